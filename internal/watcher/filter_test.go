package watcher

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aboudjem/web3-listener/internal/rpcclient"
	"github.com/Aboudjem/web3-listener/internal/units"
)

var (
	whaleAddr    = common.HexToAddress("0x28C6c06298d514Db089934071355E5743bf21d60")
	exchangeAddr = common.HexToAddress("0x2910543Af39abA0Cd09dBb2D50200b3E800A63D2")
	randomAddr   = common.HexToAddress("0x0000000000000000000000000000000000000abc")
)

func testFilter(t *testing.T, thresholdEth string) *Filter {
	t.Helper()
	threshold, err := units.ParseEther(thresholdEth)
	require.NoError(t, err)
	return NewFilter(threshold, map[common.Address]string{
		whaleAddr:    "whale",
		exchangeAddr: "exchange",
	})
}

func makeTx(t *testing.T, hash string, from common.Address, to *common.Address, valueEth string) *rpcclient.RawTransaction {
	t.Helper()
	value, err := units.ParseEther(valueEth)
	require.NoError(t, err)
	return &rpcclient.RawTransaction{
		Hash:  common.HexToHash(hash),
		From:  from,
		To:    to,
		Value: (*hexutil.Big)(value),
	}
}

func TestFilterSides(t *testing.T) {
	f := testFilter(t, "100")

	tests := []struct {
		name string
		from common.Address
		to   common.Address
		side Side
		ok   bool
	}{
		{"from watched", whaleAddr, randomAddr, SideFrom, true},
		{"to watched", randomAddr, whaleAddr, SideTo, true},
		{"both watched", whaleAddr, exchangeAddr, SideBoth, true},
		{"neither watched", randomAddr, randomAddr, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to := tt.to
			side, ok := f.Match(makeTx(t, "0x01", tt.from, &to, "150"))
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.side, side)
			}
		})
	}
}

func TestFilterThresholdEdge(t *testing.T) {
	f := testFilter(t, "100")
	to := whaleAddr

	_, ok := f.Match(makeTx(t, "0x01", randomAddr, &to, "100"))
	assert.True(t, ok, "exactly the threshold must pass")

	_, ok = f.Match(makeTx(t, "0x02", randomAddr, &to, "99.999999999999999999"))
	assert.False(t, ok, "one wei under the threshold must not pass")
}

func TestFilterCaseInsensitiveAddresses(t *testing.T) {
	// The watch-list entry uses checksum casing; the incoming tx decodes to
	// the same bytes regardless of spelling.
	f := testFilter(t, "100")
	lower := common.HexToAddress("0x28c6c06298d514db089934071355e5743bf21d60")
	side, ok := f.Match(makeTx(t, "0x01", lower, &randomAddr, "150"))
	assert.True(t, ok)
	assert.Equal(t, SideFrom, side)
}

func TestFilterRejectsContractCreation(t *testing.T) {
	f := testFilter(t, "100")
	_, ok := f.Match(makeTx(t, "0x01", whaleAddr, nil, "500"))
	assert.False(t, ok)
}

func TestFilterNilValue(t *testing.T) {
	f := testFilter(t, "100")
	to := whaleAddr
	tx := &rpcclient.RawTransaction{
		Hash: common.HexToHash("0x01"),
		From: randomAddr,
		To:   &to,
	}
	_, ok := f.Match(tx)
	assert.False(t, ok)
}

func TestFilterLabels(t *testing.T) {
	f := testFilter(t, "100")
	assert.Equal(t, "whale", f.Label(whaleAddr))
	assert.Equal(t, "", f.Label(randomAddr))
}

func TestFilterThresholdCopyIsolated(t *testing.T) {
	f := testFilter(t, "100")
	got := f.ThresholdWei()
	got.SetInt64(1) // mutating the copy must not affect the filter
	to := whaleAddr
	_, ok := f.Match(makeTx(t, "0x01", randomAddr, &to, "50"))
	assert.False(t, ok)
}

func TestEventRendering(t *testing.T) {
	f := testFilter(t, "100")
	to := exchangeAddr
	tx := makeTx(t, "0xABCDEF", whaleAddr, &to, "1234.5")
	number := uint64(42)

	ev := newEvent(EventConfirmed, tx, SideBoth, f, &number)
	assert.Equal(t, EventConfirmed, ev.Type)
	assert.Equal(t, "whale", ev.FromLabel)
	assert.Equal(t, "exchange", ev.ToLabel)
	assert.Equal(t, "1234.5", ev.ValueEth)
	assert.Equal(t, tx.ValueWei(), ev.ValueWei)
	require.NotNil(t, ev.BlockNumber)
	assert.Equal(t, uint64(42), *ev.BlockNumber)
	assert.False(t, ev.SeenInMempool)
	assert.Equal(t, ev.TxHash, strings.ToLower(ev.TxHash))
	assert.Equal(t, ev.From, strings.ToLower(ev.From))

	pending := newEvent(EventPending, tx, SideBoth, f, nil)
	assert.True(t, pending.SeenInMempool)
	assert.Nil(t, pending.BlockNumber)
}

func TestEventValueIsExact(t *testing.T) {
	f := testFilter(t, "100")
	to := whaleAddr
	tx := makeTx(t, "0x01", randomAddr, &to, "99999999.000000000000000001")
	ev := newEvent(EventPending, tx, SideTo, f, nil)

	want, _ := new(big.Int).SetString("99999999000000000000000001", 10)
	assert.Equal(t, 0, ev.ValueWei.Cmp(want))
	assert.Equal(t, "99999999.000000000000000001", ev.ValueEth)
}
