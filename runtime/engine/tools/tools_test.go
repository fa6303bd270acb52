package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/sandbox"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

func echoTool(ns, name string, kind Kind) Tool {
	return Tool{
		Namespace: ns,
		Name:      name,
		Kind:      kind,
		Execute: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("gmail", "send", KindMutation)))
	require.NoError(t, r.Register(echoTool("gmail", "list", KindRead)))

	got, ok := r.Lookup("gmail.send")
	require.True(t, ok)
	require.Equal(t, KindMutation, got.Kind)
	require.False(t, got.IsReadOnly())

	_, ok = r.Lookup("gmail.archive")
	require.False(t, ok)

	require.Equal(t, []string{"gmail.list", "gmail.send"}, r.List())
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	r := NewRegistry()
	require.ErrorContains(t, r.Register(echoTool("", "send", KindRead)), "required")
	require.ErrorContains(t, r.Register(echoTool("gmail", "", KindRead)), "required")
	require.ErrorContains(t, r.Register(Tool{Namespace: "gmail", Name: "send", Kind: KindRead}), "execute is required")
	require.ErrorContains(t, r.Register(echoTool("gmail", "send", Kind("write"))), "unknown kind")

	require.NoError(t, r.Register(echoTool("gmail", "send", KindMutation)))
	require.ErrorContains(t, r.Register(echoTool("gmail", "send", KindRead)), "already registered")
}

func TestCheckPhase(t *testing.T) {
	cases := []struct {
		kind    Kind
		tag     PhaseTag
		allowed bool
	}{
		{KindRead, TagProducer, true},
		{KindRead, TagPrepare, true},
		{KindRead, TagMutate, true},
		{KindRead, TagNext, true},
		{KindPublish, TagProducer, true},
		{KindPublish, TagNext, true},
		{KindPublish, TagPrepare, false},
		{KindPublish, TagMutate, false},
		{KindMutation, TagMutate, true},
		{KindMutation, TagProducer, false},
		{KindMutation, TagPrepare, false},
		{KindMutation, TagNext, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind)+" from "+string(tc.tag), func(t *testing.T) {
			ctx := WithPhase(context.Background(), tc.tag)
			err := CheckPhase(ctx, echoTool("gmail", "send", tc.kind))
			if tc.allowed {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, workflow.ErrorLogic, sandbox.Classify(err))
		})
	}
}

func TestCheckPhaseOutsideHandler(t *testing.T) {
	err := CheckPhase(context.Background(), echoTool("gmail", "list", KindRead))
	require.Error(t, err)
	require.Equal(t, workflow.ErrorInternal, sandbox.Classify(err))
}

func TestValidateInput(t *testing.T) {
	tool := echoTool("gmail", "send", KindMutation)
	tool.InputSchema = MustCompileSchema(`{
		"type": "object",
		"required": ["to"],
		"properties": {"to": {"type": "string"}},
		"additionalProperties": false
	}`)

	require.NoError(t, tool.ValidateInput(json.RawMessage(`{"to": "a@b.c"}`)))

	err := tool.ValidateInput(json.RawMessage(`{"subject": "hi"}`))
	require.ErrorContains(t, err, "does not match schema")
	require.Equal(t, workflow.ErrorLogic, sandbox.Classify(err))

	require.ErrorContains(t, tool.ValidateInput(json.RawMessage(`{nope`)), "not valid JSON")

	// no schema means no validation
	require.NoError(t, echoTool("gmail", "list", KindRead).ValidateInput(json.RawMessage(`12`)))
}

func TestValidateOutput(t *testing.T) {
	tool := echoTool("gmail", "send", KindMutation)
	tool.OutputSchema = MustCompileSchema(`{"type": "object", "required": ["messageId"]}`)

	require.NoError(t, tool.ValidateOutput(json.RawMessage(`{"messageId": "m-1"}`)))
	require.ErrorContains(t, tool.ValidateOutput(json.RawMessage(`{}`)), "does not match schema")
	// empty result validates as null
	require.ErrorContains(t, tool.ValidateOutput(nil), "does not match schema")
}

func TestMustCompileSchemaPanicsOnBadDoc(t *testing.T) {
	require.Panics(t, func() { MustCompileSchema(`{nope`) })
}
