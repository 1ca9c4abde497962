package qmiconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejectsUnknownDataFormat(t *testing.T) {
	c := Default()
	c.ExpectedDataFormat = "bogus"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	c := Default()
	c.OpenTimeout = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsZeroRetries(t *testing.T) {
	c := Default()
	c.VersionInfoRetries = 0
	assert.Error(t, c.Validate())
}
