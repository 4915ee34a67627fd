package gmail

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inboxtriage/webhook-relay/internal/event"
	"github.com/inboxtriage/webhook-relay/internal/providers"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func envelope(data string) []byte {
	return []byte(fmt.Sprintf(
		`{"message":{"data":"%s","messageId":"m1","publishTime":"2026-01-01T00:00:00Z"},"subscription":"sub"}`,
		data,
	))
}

func TestNormalizeValidNotification(t *testing.T) {
	t.Parallel()

	receivedAt := time.UnixMilli(1700000000000)
	body := envelope(b64(`{"emailAddress":"a@b.com","historyId":"42"}`))

	events, err := Normalizer{}.Normalize(body, receivedAt)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, event.ProviderGmail, ev.Provider)
	require.Equal(t, "42", ev.MessageID)
	require.Equal(t, receivedAt.UnixMilli(), ev.Timestamp)
	require.Empty(t, ev.ChangeType)
}

func TestNormalizeNumericHistoryID(t *testing.T) {
	t.Parallel()

	body := envelope(b64(`{"emailAddress":"a@b.com","historyId":98765}`))

	events, err := Normalizer{}.Normalize(body, time.UnixMilli(1))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "98765", events[0].MessageID)
}

func TestNormalizeURLSafeBase64(t *testing.T) {
	t.Parallel()

	data := base64.URLEncoding.EncodeToString([]byte(`{"emailAddress":"a@b.com","historyId":"7"}`))

	events, err := Normalizer{}.Normalize(envelope(data), time.UnixMilli(1))
	require.NoError(t, err)
	require.Equal(t, "7", events[0].MessageID)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   []byte
		decode bool
	}{
		{"not json", []byte(`{{`), true},
		{"missing message data", []byte(`{"message":{"messageId":"m1"},"subscription":"s"}`), false},
		{"bad base64", envelope("!!!not-base64!!!"), true},
		{"inner not json", envelope(b64(`not json`)), true},
		{"missing emailAddress", envelope(b64(`{"historyId":"42"}`)), false},
		{"missing historyId", envelope(b64(`{"emailAddress":"a@b.com"}`)), false},
		{"empty inner object", envelope(b64(`{}`)), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			events, err := Normalizer{}.Normalize(tc.body, time.UnixMilli(1))
			require.Error(t, err)
			require.Empty(t, events)
			require.ErrorIs(t, err, providers.ErrInvalidPayload)
			if tc.decode {
				require.ErrorIs(t, err, providers.ErrDecodeFailure)
			}
		})
	}
}
