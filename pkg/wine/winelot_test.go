package wine_test

import (
	"testing"
	"time"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/wine"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestWineLotCreateNormalizesAndValidatesCode(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	lot := wine.NewWineLot("lot-1")
	require.NoError(t, lot.Create(" a100-b ", []wine.ComponentAmount{wine.SingleComponent("Pinot Noir", "Willamette", 2024)}, decimal.NewFromInt(10), now, ""))
	require.Equal(t, "A100-B", lot.Code)

	bad := wine.NewWineLot("lot-2")
	err := bad.Create("a!", []wine.ComponentAmount{wine.SingleComponent("Pinot Noir", "Willamette", 2024)}, decimal.NewFromInt(10), now, "")
	require.Error(t, err)
	var domainErr *domain.DomainValidationError
	require.ErrorAs(t, err, &domainErr)
}

func TestWineLotCreateRejectsNegativeVolume(t *testing.T) {
	lot := wine.NewWineLot("lot-3")
	err := lot.Create("A1", []wine.ComponentAmount{wine.SingleComponent("Pinot Noir", "Willamette", 2024)}, decimal.NewFromInt(-1), time.Now(), "")
	require.Error(t, err)
}

func TestWineLotBottleRejectsOverdraw(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lot := wine.NewWineLot("lot-4")
	require.NoError(t, lot.Create("A2", []wine.ComponentAmount{wine.SingleComponent("Syrah", "Rhone", 2023)}, decimal.NewFromInt(5), now, ""))

	err := lot.Bottle(decimal.NewFromInt(10), now.Add(time.Hour), "action-1")
	require.Error(t, err)
	var domainErr *domain.DomainValidationError
	require.ErrorAs(t, err, &domainErr)
}

func TestWineLotVolumeMovedRejectsOverdraw(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lot := wine.NewWineLot("lot-5")
	require.NoError(t, lot.Create("A3", []wine.ComponentAmount{wine.SingleComponent("Syrah", "Rhone", 2023)}, decimal.NewFromInt(5), now, ""))

	err := lot.RecordVolumeMoved(decimal.NewFromInt(10), "target", now.Add(time.Hour), "action-1")
	require.Error(t, err)
	var domainErr *domain.DomainValidationError
	require.ErrorAs(t, err, &domainErr)
}

func TestWineLotDeleteIsIdempotentlyRejectedTwice(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lot := wine.NewWineLot("lot-6")
	require.NoError(t, lot.Create("A4", []wine.ComponentAmount{wine.SingleComponent("Merlot", "Napa", 2022)}, decimal.NewFromInt(5), now, ""))

	require.NoError(t, lot.Delete(now.Add(time.Hour)))
	require.Equal(t, "A4", lot.RetiredCode)

	err := lot.Delete(now.Add(2 * time.Hour))
	require.Error(t, err)
}

func TestWineLotBlendTargetRequiresPositiveVolumes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lot := wine.NewWineLot("lot-7")
	require.NoError(t, lot.Create("A5", []wine.ComponentAmount{wine.SingleComponent("Blend", "Estate", 2024)}, decimal.Zero, now, ""))

	err := lot.RecordBlendTarget(map[string]decimal.Decimal{"src": decimal.Zero}, now.Add(time.Hour), "action-1")
	require.Error(t, err)

	err = lot.RecordBlendTarget(map[string]decimal.Decimal{}, now.Add(time.Hour), "action-1")
	require.Error(t, err)
}
