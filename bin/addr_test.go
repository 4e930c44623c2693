package bin

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrSet(t *testing.T) {
	golden := []struct {
		in   string
		want Addr
	}{
		{in: "0x1000", want: 0x1000},
		{in: "0X00401000", want: 0x401000},
		{in: "4096", want: 4096},
		{in: "0xFFFFFFFFFFFFFFFF", want: 0xFFFFFFFFFFFFFFFF},
	}
	for _, g := range golden {
		var got Addr
		require.NoError(t, got.Set(g.in), g.in)
		assert.Equal(t, g.want, got, g.in)
	}
	var bad Addr
	assert.Error(t, bad.Set("0xZZ"))
}

func TestAddrJSON(t *testing.T) {
	var v struct {
		Addrs []Addr `json:"addrs"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"addrs": ["0x20", "0x10"]}`), &v))
	sort.Sort(Addrs(v.Addrs))
	assert.Equal(t, []Addr{0x10, 0x20}, v.Addrs)
	buf, err := json.Marshal(Addr(0x1000))
	require.NoError(t, err)
	assert.Equal(t, `"0x1000"`, string(buf))
}

func TestAddrString(t *testing.T) {
	assert.Equal(t, "0x0", Addr(0).String())
	assert.Equal(t, "0x401000", Addr(0x401000).String())
	assert.Equal(t, "0x140001000", Addr(0x140001000).String())
	assert.Equal(t, "0xFFFFFFFFFFFFFFFF", Addr(0xFFFFFFFFFFFFFFFF).String())
}

func TestAddrMask(t *testing.T) {
	assert.Equal(t, Addr(0x1004), Addr(0x100001004).Mask(32))
	assert.Equal(t, Addr(0x100001004), Addr(0x100001004).Mask(64))
}
