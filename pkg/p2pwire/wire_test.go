package p2pwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageledger/ledger/pkg/ledgererr"
	"github.com/pageledger/ledger/pkg/types"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	env := Envelope{
		Type:      KindCommitRequest,
		Namespace: "ns-1",
		Page:      types.PageID{1, 2, 3},
		CommitIDs: []types.Digest{{Type: types.ObjectTypeCommit}},
	}
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, env.Namespace, got.Namespace)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.CommitIDs, got.CommitIDs)
}

func TestReadFrame_OversizedLengthIsDataIntegrityError(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	lenBuf[0] = 0xFF // absurd length prefix
	buf.Write(lenBuf)

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.Equal(t, ledgererr.CodeDataIntegrityError, ledgererr.CodeOf(err))
}

func TestReadFrame_UnknownTypeIsDataIntegrityError(t *testing.T) {
	var buf bytes.Buffer
	env := Envelope{Type: "BOGUS", Namespace: "ns-1"}
	require.NoError(t, WriteFrame(&buf, env))

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.Equal(t, ledgererr.CodeDataIntegrityError, ledgererr.CodeOf(err))
}

func TestReadFrame_MissingNamespaceIsDataIntegrityError(t *testing.T) {
	var buf bytes.Buffer
	env := Envelope{Type: KindWatchStart}
	require.NoError(t, WriteFrame(&buf, env))

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.Equal(t, ledgererr.CodeDataIntegrityError, ledgererr.CodeOf(err))
}
