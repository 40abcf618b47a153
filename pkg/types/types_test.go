package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTotalCredits(t *testing.T) {
	assert.Equal(t, int64(0), TotalCredits(nil))
	assert.Equal(t, int64(15), TotalCredits([]StepDefinition{{CreditsCost: 5}, {CreditsCost: 10}}))
	assert.Equal(t, int64(math.MaxInt64), TotalCredits([]StepDefinition{
		{CreditsCost: math.MaxInt64},
		{CreditsCost: math.MaxInt64},
	}))
}
