package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validSource = `
function start_link(initArg) {
	return {
		counter: initArg && initArg.start ? initArg.start : 0,
		handle: function(state, message) {
			return { counter: state.counter + message.amount };
		}
	};
}
`

func TestCompileAcceptsValidSource(t *testing.T) {
	mod, err := Compile("tenant-a", "svc-1", validSource)
	require.NoError(t, err)
	require.Equal(t, "tenant_a_svc_1", mod.Identifier)
}

func TestCompileRejectsSyntaxError(t *testing.T) {
	_, err := Compile("tenant-a", "svc-1", "function start_link( { oops")
	require.Error(t, err)
}

func TestCompileRejectsMissingEntryPoint(t *testing.T) {
	_, err := Compile("tenant-a", "svc-1", "function other() { return 1; }")
	require.Error(t, err)
}

func TestModuleIdentifierSanitizesSpecialCharacters(t *testing.T) {
	require.Equal(t, "acme_corp_svc_1", ModuleIdentifier("acme.corp", "svc-1"))
}

func TestStartAndHandleMessageRoundTripsState(t *testing.T) {
	mod, err := Compile("tenant-a", "svc-1", validSource)
	require.NoError(t, err)

	inst, state, err := Start(mod, map[string]interface{}{"start": 10})
	require.NoError(t, err)

	asMap, ok := state.(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 10, asMap["counter"])

	next, err := inst.HandleMessage(state, map[string]interface{}{"amount": 5})
	require.NoError(t, err)
	nextMap := next.(map[string]interface{})
	require.EqualValues(t, 15, nextMap["counter"])
}

func TestInstanceWithoutCodeChangeReturnsOldState(t *testing.T) {
	mod, err := Compile("tenant-a", "svc-1", validSource)
	require.NoError(t, err)
	inst, state, err := Start(mod, nil)
	require.NoError(t, err)
	require.False(t, inst.SupportsCodeChange())

	unchanged, err := inst.CodeChange(state)
	require.NoError(t, err)
	require.Equal(t, state, unchanged)
}
