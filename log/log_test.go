package log

import (
	"bytes"
	"log"
	"testing"

	"github.com/flockgate/flockgate/config"
	"github.com/stretchr/testify/assert"
)

func TestLogMask(t *testing.T) {
	err := InitReplacer([]config.LogMask{
		{
			Regex:       `(auth_token=)[A-Za-z0-9]+`,
			Replacement: "$1******",
		},
		{
			Regex:       `(password ')(?:\\'|[^'])*(')`,
			Replacement: "$1******$2",
		},
	})
	assert.NoError(t, err)
	var b bytes.Buffer
	testLogger := log.New(&b, "DEBUG: ", stdLogFlags)
	err = testLogger.Output(outputCallDepth,
		mask("login bob with password 'hunter2' cookie auth_token=a1b2c3d4e5; ct0=ffff"))
	assert.NoError(t, err)
	res, err := b.ReadString('\n')
	assert.NoError(t, err)
	assert.Contains(t, res, "login bob with password '******' cookie auth_token=******; ct0=ffff")
}

func TestInitReplacerBadRegex(t *testing.T) {
	err := InitReplacer([]config.LogMask{
		{
			Regex: `(`,
		},
	})
	assert.Error(t, err)
	assert.NoError(t, InitReplacer(nil))
}
