package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	box, err := NewBox("test-passphrase")
	require.NoError(t, err)

	blob, err := box.Seal([]byte(`{"url":"http://kuma:3001","api_key":"abc"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	plain, err := box.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, `{"url":"http://kuma:3001","api_key":"abc"}`, string(plain))
}

func TestSeal_NonDeterministic(t *testing.T) {
	box, err := NewBox("k")
	require.NoError(t, err)

	a, err := box.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "random nonce should produce distinct blobs")
}

func TestOpen_WrongKey(t *testing.T) {
	box1, err := NewBox("key-one")
	require.NoError(t, err)
	box2, err := NewBox("key-two")
	require.NoError(t, err)

	blob, err := box1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = box2.Open(blob)
	assert.Error(t, err)
}

func TestOpen_Garbage(t *testing.T) {
	box, err := NewBox("k")
	require.NoError(t, err)

	_, err = box.Open("not base64!!!")
	assert.Error(t, err)

	_, err = box.Open("c2hvcnQ=") // valid base64, too short for a nonce
	assert.Error(t, err)
}

func TestNewBox_EmptyPassphrase(t *testing.T) {
	_, err := NewBox("")
	assert.Error(t, err)
}
