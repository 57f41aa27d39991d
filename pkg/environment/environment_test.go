package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMock_GenerateAndSign(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	require.NoError(t, m.GenerateSigningKeypair(ctx))
	require.NoError(t, m.GenerateEncryptionKeypair(ctx))

	require.NotEmpty(t, m.SigningPubkey())
	require.NotNil(t, m.EncryptionPubkey())
	require.NotNil(t, m.EncryptionSecretKey())

	sig, err := m.Sign([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, sig, 64)

	teeType, doc, err := m.GetAttestation(ctx)
	require.NoError(t, err)
	require.Equal(t, "mock", teeType)
	require.NotEmpty(t, doc)
}

func TestMock_SignBeforeKeygenFails(t *testing.T) {
	m := NewMock()
	_, err := m.Sign([]byte("hello"))
	require.Error(t, err)
}

func TestMock_EachRestartIsANewKeypair(t *testing.T) {
	ctx := context.Background()
	m1 := NewMock()
	require.NoError(t, m1.GenerateSigningKeypair(ctx))
	m2 := NewMock()
	require.NoError(t, m2.GenerateSigningKeypair(ctx))

	require.NotEqual(t, m1.SigningPubkey(), m2.SigningPubkey())
}

func TestMock_TreeKeypairIsFreshEachCall(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	pub1, _, err := m.GenerateTreeKeypair(ctx)
	require.NoError(t, err)
	pub2, _, err := m.GenerateTreeKeypair(ctx)
	require.NoError(t, err)
	require.NotEqual(t, pub1, pub2)
}
