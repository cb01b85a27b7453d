// Package reader turns exchange capabilities into normalized funding records.
//
// A Source only has to list its instruments. Everything else is optional and
// discovered through interface assertions:
//
//	SnapshotFetcher       one call returning the funding state of every instrument
//	InstrumentSnapshotter the funding state of a single instrument
//	TickerFetcher         last/mark price of a single instrument
//	HistoryFetcher        recent settlement events of a single instrument
//
// A capability method may also return ErrCapabilityUnavailable at runtime, which
// the Adapter treats exactly like the interface being absent.
package reader

import (
	"context"
	"errors"

	"fundingflow/models"
)

// ErrCapabilityUnavailable marks a capability the source does not offer.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// Source is the minimal exchange capability.
type Source interface {
	Exchange() models.Exchange
	ListInstruments(ctx context.Context) ([]models.Instrument, error)
}

// SnapshotFetcher returns snapshots keyed by source symbol.
type SnapshotFetcher interface {
	FetchSnapshots(ctx context.Context) (map[string]models.Snapshot, error)
}

// InstrumentSnapshotter fetches the snapshot of one instrument.
type InstrumentSnapshotter interface {
	FetchSnapshot(ctx context.Context, inst models.Instrument) (models.Snapshot, error)
}

// TickerFetcher returns the latest price of one instrument.
type TickerFetcher interface {
	FetchTicker(ctx context.Context, inst models.Instrument) (float64, error)
}

// HistoryFetcher returns up to limit recent settlements of one instrument.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, inst models.Instrument, limit int) ([]models.SettlementEvent, error)
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrCapabilityUnavailable)
}
