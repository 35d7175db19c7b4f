package listener

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tracer/internal/traceevent"
)

func TestSequenceWriterBracketsWithPrePost(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSequenceWriter(&buf, nil, "<pre>\n", "<post>\n", false)

	sw.CodeBlockExecute(traceevent.CodeBlockExecuteEvent{Stream: "s1", Signature: "Foo.bar()V", Kind: traceevent.BlockCode, BlockID: 1})
	require.NoError(t, sw.Close())

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "<pre>\n"))
	assert.True(t, strings.HasSuffix(out, "<post>\n"))
	assert.Contains(t, out, "Foo.bar()V 1")
}

func TestSequenceWriterEmitsExitMarker(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSequenceWriter(&buf, nil, "", "", false)

	sw.CodeBlockExecute(traceevent.CodeBlockExecuteEvent{Stream: "s1", Signature: "Foo.bar()V", Kind: traceevent.BlockExit, BlockID: 2})
	require.NoError(t, sw.Close())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, ")r", lines[1])
}

func TestSequenceWriterJUnitEmitsTestBoundaryMarker(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSequenceWriter(&buf, nil, "", "", true)

	sw.MethodEnter(traceevent.MethodEnterEvent{Stream: "s1", Signature: "FooTest.testA()V"})
	sw.CodeBlockExecute(traceevent.CodeBlockExecuteEvent{Stream: "s1", Signature: "FooTest.testA()V", BlockID: 1})
	sw.MethodEnter(traceevent.MethodEnterEvent{Stream: "s1", Signature: "FooTest.testB()V"})
	sw.CodeBlockExecute(traceevent.CodeBlockExecuteEvent{Stream: "s1", Signature: "FooTest.testB()V", BlockID: 1})
	require.NoError(t, sw.Close())

	out := buf.String()
	assert.Contains(t, out, ")x")
}

func TestFingerprintListenerIsNoop(t *testing.T) {
	var f FingerprintListener
	f.MethodEnter(traceevent.MethodEnterEvent{})
	f.CodeBlockExecute(traceevent.CodeBlockExecuteEvent{})
	f.BranchExecute(traceevent.BranchExecuteEvent{})
	f.Commit(traceevent.CommitEvent{})
}
