package signing

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SHA-512 пустой строки.
const emptySHA512 = "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce" +
	"47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e"

func expected(secret, msg string) string {
	m := hmac.New(sha512.New, []byte(secret))
	m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

func TestSign_EmptyBodyHashesEmptyString(t *testing.T) {
	s := New(Credentials{Key: "k", Secret: "s"})
	ts := time.Unix(1700000000, 0)

	h, err := s.Sign(Request{Method: "get", Path: "/api/v4/spot/accounts", Timestamp: ts})
	require.NoError(t, err)

	msg := "GET\n/api/v4/spot/accounts\n\n" + emptySHA512 + "\n1700000000"
	assert.Equal(t, expected("s", msg), h[HeaderSign])
	assert.Equal(t, "k", h[HeaderKey])
	assert.Equal(t, "1700000000", h[HeaderTimestamp])
	assert.Equal(t, "application/json", h[HeaderContentType])
}

func TestSign_WithQueryAndBody(t *testing.T) {
	s := New(Credentials{Key: "k", Secret: "secret"})
	body := []byte(`{"currency_pair":"BTC_USDT"}`)
	sum := sha512.Sum512(body)

	h, err := s.Sign(Request{Method: "POST", Path: "/api/v4/spot/orders", Query: "a=1", Body: body, Timestamp: time.Unix(10, 0)})
	require.NoError(t, err)
	msg := "POST\n/api/v4/spot/orders\na=1\n" + hex.EncodeToString(sum[:]) + "\n10"
	assert.Equal(t, expected("secret", msg), h[HeaderSign])
}

func TestSign_MissingSecret(t *testing.T) {
	for _, c := range []Credentials{{}, {Key: "k"}, {Secret: "s"}} {
		s := New(c)
		_, err := s.Sign(Request{Method: "GET", Path: "/"})
		assert.True(t, errors.Is(err, ErrMissingSecret))
		_, err = s.SignLogin("spot.login", "", 1)
		assert.True(t, errors.Is(err, ErrMissingSecret))
		_, err = s.SignChannel("spot.balances", "subscribe", 1)
		assert.True(t, errors.Is(err, ErrMissingSecret))
	}
}

func TestSignLoginAndChannel(t *testing.T) {
	s := New(Credentials{Key: "k", Secret: "s"})
	got, err := s.SignLogin("spot.login", "", 42)
	require.NoError(t, err)
	assert.Equal(t, expected("s", "api\nspot.login\n\n42"), got)

	got, err = s.SignChannel("spot.balances", "subscribe", 42)
	require.NoError(t, err)
	assert.Equal(t, expected("s", "channel=spot.balances&event=subscribe&time=42"), got)
}

func TestSign_DefaultTimestamp(t *testing.T) {
	s := New(Credentials{Key: "k", Secret: "s"})
	s.now = func() time.Time { return time.Unix(99, 0) }
	h, err := s.Sign(Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "99", h[HeaderTimestamp])
}
