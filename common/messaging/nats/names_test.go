package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamAndConsumerNames(t *testing.T) {
	assert.Equal(t, "EVENTS_ORDERING", StreamName("events.ordering"))
	assert.Equal(t, "catalog_v2", ConsumerName("catalog.v2"))
	assert.Equal(t, "a_b_c", sanitizeToken("a*b>c"))
}
