package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusRankOrdering(t *testing.T) {
	assert.Less(t, StatusRank(StatusSent), StatusRank(StatusDelivered))
	assert.Less(t, StatusRank(StatusDelivered), StatusRank(StatusRead))
	assert.Equal(t, 0, StatusRank("bogus"))
}

func TestCanAdvanceToIsMonotonic(t *testing.T) {
	cases := []struct {
		name    string
		current string
		next    string
		want    bool
	}{
		{"sent to delivered", StatusSent, StatusDelivered, true},
		{"sent to read", StatusSent, StatusRead, true},
		{"delivered to read", StatusDelivered, StatusRead, true},
		{"delivered to delivered", StatusDelivered, StatusDelivered, false},
		{"read to delivered", StatusRead, StatusDelivered, false},
		{"read to read", StatusRead, StatusRead, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := Message{Status: tc.current}
			assert.Equal(t, tc.want, msg.CanAdvanceTo(tc.next))
		})
	}
}
