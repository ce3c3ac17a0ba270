package internal

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type fakeCloser struct {
	err    error
	closed bool
}

func (c *fakeCloser) Close() error {
	c.closed = true
	return c.err
}

func TestCloseAndLogIfError(t *testing.T) {
	ok := &fakeCloser{}
	CloseAndLogIfError(context.Background(), ok, "should not log")
	assert.True(t, ok.closed)

	failing := &fakeCloser{err: errors.New("boom")}
	CloseAndLogIfError(nil, failing, "close failed") // nolint: staticcheck
	assert.True(t, failing.closed)

	assert.NotPanics(t, func() {
		CloseAndLogIfError(context.Background(), nil, "nil closer")
	})
}

func TestLevelsUpTo(t *testing.T) {
	assert.Equal(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}, levelsUpTo(logrus.ErrorLevel))
	assert.Len(t, levelsUpTo(logrus.TraceLevel), len(logrus.AllLevels))
}

func TestLogLevelHook(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	logger.AddHook(&logLevelHook{level: logrus.WarnLevel, writer: &buf})

	logger.Info("quiet")
	assert.Empty(t, buf.String())
	logger.Warn("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestStartRegion(t *testing.T) {
	trace, ctx := StartRegion(context.Background(), "TestStartRegion")
	assert.NotNil(t, ctx)
	trace.SetTag("key", "value")
	assert.NotPanics(t, trace.EndRegion)
}
