package wine_test

import (
	"testing"
	"time"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/wine"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestActionRecordAndReviseRoundTripsPayload(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := wine.NewAction("action-1")
	payload := wine.ReceiveVolumePayload{LotID: "lot-1", Amount: decimal.NewFromInt(5)}
	require.NoError(t, a.Record(wine.ActionReceiveVolume, now, []string{"lot-1"}, payload))
	require.Equal(t, 0, a.RevisionNumber)
	require.Equal(t, []string{"lot-1"}, a.InvolvedLotIDs)

	revised := wine.RemeasurePayload{LotID: "lot-1", NewVolume: decimal.NewFromInt(7)}
	require.NoError(t, a.Revise(now.Add(time.Hour), []string{"lot-1"}, revised))
	require.Equal(t, 1, a.RevisionNumber)

	got, ok := a.Payload.(*wine.RemeasurePayload)
	require.True(t, ok)
	require.True(t, got.NewVolume.Equal(decimal.NewFromInt(7)))
}

func TestActionDestroyIsIdempotentlyRejectedTwice(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := wine.NewAction("action-2")
	payload := wine.ReceiveVolumePayload{LotID: "lot-1", Amount: decimal.NewFromInt(5)}
	require.NoError(t, a.Record(wine.ActionReceiveVolume, now, []string{"lot-1"}, payload))
	require.Nil(t, a.DeletedAt)

	require.NoError(t, a.Destroy(now.Add(time.Hour)))
	require.NotNil(t, a.DeletedAt)

	err := a.Destroy(now.Add(2 * time.Hour))
	require.Error(t, err)
	var domainErr *domain.DomainValidationError
	require.ErrorAs(t, err, &domainErr)
}

func TestDecodeActionPayloadRejectsUnknownKind(t *testing.T) {
	_, err := wine.DecodeActionPayload("NOT_A_REAL_KIND", []byte(`{}`))
	require.Error(t, err)
}

func TestEncodeDecodeActionPayloadRoundTrip(t *testing.T) {
	payload := wine.BlendPayload{
		TargetLotID: "target",
		SourceVolumes: map[string]decimal.Decimal{
			"src-a": decimal.NewFromInt(10),
			"src-b": decimal.NewFromInt(20),
		},
	}
	kind, data, err := wine.EncodeActionPayload(payload)
	require.NoError(t, err)
	require.Equal(t, string(wine.ActionBlend), kind)

	decoded, err := wine.DecodeActionPayload(kind, data)
	require.NoError(t, err)
	blend, ok := decoded.(*wine.BlendPayload)
	require.True(t, ok)
	require.Equal(t, "target", blend.TargetLotID)
	require.True(t, blend.SourceVolumes["src-a"].Equal(decimal.NewFromInt(10)))
}
