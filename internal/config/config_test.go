package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_MajorityOfThree(t *testing.T) {
	cfg := &Config{Addresses: AddressTable{"1": {}, "2": {}, "3": {}}}
	assert.Equal(t, 2, cfg.Majority())
}

func TestConfig_MajorityOfFive(t *testing.T) {
	cfg := &Config{Addresses: AddressTable{"1": {}, "2": {}, "3": {}, "4": {}, "5": {}}}
	assert.Equal(t, 3, cfg.Majority())
}

func TestParse_RejectsUnknownReplica(t *testing.T) {
	table := AddressTable{"1": {Host: "127.0.0.1", Port: 1}}
	_, err := Parse([]string{"8080", "9"}, table, nil)
	assert.Error(t, err)
}

func TestParse_RejectsNonIntegerPort(t *testing.T) {
	table := AddressTable{"1": {Host: "127.0.0.1", Port: 1}}
	_, err := Parse([]string{"not-a-port", "1"}, table, nil)
	assert.Error(t, err)
}

func TestParse_BuildsConfigForKnownReplica(t *testing.T) {
	table := AddressTable{"1": {Host: "127.0.0.1", Port: 32001}}
	cfg, err := Parse([]string{"8080", "1"}, table, nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ReplicaID("1"), cfg.ReplicaID)
}
