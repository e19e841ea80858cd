package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func seqs(entries []replayEntry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Seq)
	}
	return out
}

func TestReplayBuffer_RangeAfterEviction(t *testing.T) {
	rb := NewReplayBuffer(4)
	for seq := int64(10); seq <= 16; seq++ {
		rb.Push(seq, []byte{byte(seq)})
	}
	assert.Equal(t, 4, rb.Len())

	tests := []struct {
		name     string
		from, to int64
		want     []int64
	}{
		{"all retained", 0, 100, []int64{13, 14, 15, 16}},
		{"evicted part", 10, 13, []int64{13}},
		{"inner", 14, 15, []int64{14, 15}},
		{"nothing", 17, 20, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, seqs(rb.Range(tt.from, tt.to)))
		})
	}
}

func TestReplayBuffer_CopiesData(t *testing.T) {
	rb := NewReplayBuffer(0)
	data := []byte(`{"v":1}`)
	rb.Push(1, data)
	data[5] = '2'

	got := rb.Range(1, 1)
	assert.Len(t, got, 1)
	assert.Equal(t, `{"v":1}`, string(got[0].Data))
	assert.Empty(t, NewReplayBuffer(3).Range(0, 10))
}
