package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "  https://jobs.example.com/1  ", want: "https://jobs.example.com/1"},
		{in: "https://jobs.example.com/1/", want: "https://jobs.example.com/1"},
		{in: "https://jobs.example.com/1#apply", want: "https://jobs.example.com/1"},
		{in: "https://jobs.example.com/view?id=7&ref=x", want: "https://jobs.example.com/view?id=7&ref=x"},
		{in: "https://jobs.example.com/view/?id=7#top", want: "https://jobs.example.com/view?id=7"},
		{in: "https://", want: "https://"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestAgree(t *testing.T) {
	a := verdict{ok: true, keys: []string{"1", "2", "3"}}
	b := verdict{ok: true, keys: []string{"3", "2", "4"}}
	failed := verdict{}

	tests := []struct {
		name       string
		a, b       verdict
		partial    bool
		want       []string
		wantStatus string
	}{
		{name: "both answered", a: a, b: b, want: []string{"2", "3"}, wantStatus: StatusUnanimous},
		{name: "both answered partial still intersects", a: a, b: b, partial: true, want: []string{"2", "3"}, wantStatus: StatusUnanimous},
		{name: "disjoint answers partial", a: verdict{ok: true, keys: []string{"1"}}, b: verdict{ok: true, keys: []string{"2", "3"}}, partial: true, want: []string{}, wantStatus: StatusUnanimous},
		{name: "single answer", a: failed, b: b, want: []string{}, wantStatus: StatusSingle},
		{name: "single answer partial", a: failed, b: b, partial: true, want: b.keys, wantStatus: StatusPartial},
		{name: "nothing answered", a: failed, b: failed, partial: true, want: []string{}, wantStatus: StatusErrored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, status := agree(tt.a, tt.b, tt.partial)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestPartition(t *testing.T) {
	assert.Nil(t, partition(nil, 5))

	batches := partition(items("1", "2", "3", "4", "5"), 2)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[2], 1)
}
