// internal/protocol/protocol_test.go
package protocol

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifedespaix/cki/internal/models"
)

func TestNegotiate(t *testing.T) {
	v, ok := Negotiate([]int{3, 2, 1}, []int{1, 2})
	require.True(t, ok)
	assert.Equal(t, 2, v, "most-preferred mutual version wins")

	v, ok = Negotiate([]int{1}, []int{1})
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = Negotiate([]int{2}, []int{1})
	assert.False(t, ok)
}

func TestHelloRoundTrip(t *testing.T) {
	peerID := uuid.New()
	sentAt := time.Now().UTC().Truncate(time.Millisecond)
	data, err := Encode(Version1, KindHello, sentAt, Hello{
		SessionID:         "abc",
		SupportedVersions: SupportedVersions,
		Role:              models.RoleGuest,
		PeerID:            peerID,
	})
	require.NoError(t, err)

	env, payload, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindHello, env.Kind)
	assert.True(t, env.SentAt.Equal(sentAt))

	hello, ok := payload.(Hello)
	require.True(t, ok)
	assert.Equal(t, "abc", hello.SessionID)
	assert.Equal(t, peerID, hello.PeerID)
}

func TestAppRoundTrip(t *testing.T) {
	actorID := uuid.New()
	cardID := uuid.New()
	app := App{
		ActionID: uuid.Must(uuid.NewV7()),
		Action: models.Action{
			Type:    models.ActionFlipCard,
			ActorID: actorID,
			CardID:  &cardID,
		},
		IssuerPeerID:       actorID,
		IssuerRole:         models.RoleHost,
		IssuedAt:           time.Now().UTC(),
		AcknowledgedByHost: true,
	}
	data, err := Encode(Version1, KindApp, time.Now(), app)
	require.NoError(t, err)

	_, payload, err := Decode(data)
	require.NoError(t, err)
	got, ok := payload.(App)
	require.True(t, ok)
	assert.Equal(t, app.ActionID, got.ActionID)
	assert.Equal(t, models.ActionFlipCard, got.Action.Type)
	require.NotNil(t, got.Action.CardID)
	assert.Equal(t, cardID, *got.Action.CardID)
	assert.True(t, got.AcknowledgedByHost)
	assert.Nil(t, got.RelayedByPeerID)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	data := []byte(`{"v":1,"kind":"teleport","sentAt":"2025-06-01T12:00:00Z","payload":{}}`)
	_, _, err := Decode(data)
	require.ErrorIs(t, err, ErrUnrecognized)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":            `{`,
		"hello no versions":   `{"v":1,"kind":"hello","payload":{"sessionId":"x","supportedVersions":[],"role":"host","peerId":"7f9c45f1-5f4c-4cf4-9be8-a5b95ea09f81"}}`,
		"hello bad role":      `{"v":1,"kind":"hello","payload":{"sessionId":"x","supportedVersions":[1],"role":"referee","peerId":"7f9c45f1-5f4c-4cf4-9be8-a5b95ea09f81"}}`,
		"ping no nonce":       `{"v":1,"kind":"ping","payload":{"sentAt":"2025-06-01T12:00:00Z"}}`,
		"app no action":       `{"v":1,"kind":"app","payload":{"actionId":"7f9c45f1-5f4c-4cf4-9be8-a5b95ea09f81"}}`,
		"missing payload":     `{"v":1,"kind":"hello"}`,
		"snapshot no state":   `{"v":1,"kind":"snapshot_offer","payload":{"snapshotId":"7f9c45f1-5f4c-4cf4-9be8-a5b95ea09f81"}}`,
		"payload wrong shape": `{"v":1,"kind":"ping","payload":{"nonce":42}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode([]byte(raw))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestSnapshotOfferRoundTrip(t *testing.T) {
	last := uuid.Must(uuid.NewV7())
	offer := SnapshotOffer{
		SnapshotID:   uuid.Must(uuid.NewV7()),
		IssuedAt:     time.Now().UTC(),
		State:        models.NewIdleState(),
		LastActionID: &last,
	}
	data, err := Encode(Version1, KindSnapshotOffer, time.Now(), offer)
	require.NoError(t, err)

	_, payload, err := Decode(data)
	require.NoError(t, err)
	got, ok := payload.(SnapshotOffer)
	require.True(t, ok)
	assert.Equal(t, offer.SnapshotID, got.SnapshotID)
	require.NotNil(t, got.LastActionID)
	assert.Equal(t, last, *got.LastActionID)
	assert.Equal(t, models.PhaseIdle, got.State.Phase)
}
