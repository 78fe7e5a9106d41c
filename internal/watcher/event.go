package watcher

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Aboudjem/web3-listener/internal/rpcclient"
	"github.com/Aboudjem/web3-listener/internal/units"
)

// EventType says where a transfer was observed.
type EventType int

const (
	// EventPending means the transfer was seen in the mempool.
	EventPending EventType = iota
	// EventConfirmed means the transfer was seen in a mined block.
	EventConfirmed
)

func (t EventType) String() string {
	switch t {
	case EventPending:
		return "pending"
	case EventConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// MarshalText renders the type by name in JSON payloads.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Side says which side(s) of the transfer matched the watch-list.
type Side int

const (
	SideFrom Side = iota
	SideTo
	SideBoth
)

func (s Side) String() string {
	switch s {
	case SideFrom:
		return "from"
	case SideTo:
		return "to"
	case SideBoth:
		return "both"
	default:
		return "unknown"
	}
}

// MarshalText renders the side by name in JSON payloads.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TransferEvent is what the pipeline emits to the sink: one watched
// native-token transfer at or above the threshold. Addresses and hashes are
// lowercase hex. The core keeps no reference after handing it over.
type TransferEvent struct {
	Type          EventType `json:"type"`
	TxHash        string    `json:"txHash"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	FromLabel     string    `json:"fromLabel,omitempty"`
	ToLabel       string    `json:"toLabel,omitempty"`
	ValueWei      *big.Int  `json:"valueWei"`
	ValueEth      string    `json:"valueEth"`
	BlockNumber   *uint64   `json:"blockNumber,omitempty"`
	WatchedSide   Side      `json:"watchedSide"`
	SeenInMempool bool      `json:"seenInMempool"`
	Timestamp     int64     `json:"timestamp"` // wall-clock millis at detection
}

// Sink receives every emitted event. Implementations must tolerate being
// called from processor goroutines; the core does not retry failed
// emissions.
type Sink func(event *TransferEvent)

// newEvent builds a TransferEvent from an admitted transaction.
// blockNumber is nil on the pending path.
func newEvent(typ EventType, tx *rpcclient.RawTransaction, side Side, labels *Filter, blockNumber *uint64) *TransferEvent {
	value := tx.ValueWei()
	ev := &TransferEvent{
		Type:          typ,
		TxHash:        strings.ToLower(tx.Hash.Hex()),
		From:          lowerHex(tx.From),
		FromLabel:     labels.Label(tx.From),
		ValueWei:      value,
		ValueEth:      units.FormatEther(value),
		BlockNumber:   blockNumber,
		WatchedSide:   side,
		SeenInMempool: typ == EventPending,
		Timestamp:     time.Now().UnixMilli(),
	}
	if tx.To != nil {
		ev.To = lowerHex(*tx.To)
		ev.ToLabel = labels.Label(*tx.To)
	}
	return ev
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
