package wikistats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/glebmezh/wikistats/internal/store"
)

func TestNewRequiresStateDir(t *testing.T) {
	_, err := New("wikipedia-feed")
	assert.IsError(t, err, ErrStateDirRequired)
}

func TestNewRequiresAppID(t *testing.T) {
	_, err := New("", WithStateDir(t.TempDir()))
	assert.Error(t, err)
}

func TestOptionsApply(t *testing.T) {
	app, err := New("wikipedia-feed",
		WithStateDir("/var/lib/wikistats"),
		WithBrokers([]string{"kafka-1:9092", "kafka-2:9092"}),
		WithRegistryURL("http://registry:8081"),
		WithCommitInterval(time.Second),
		WithResetPolicy(ResetLatest),
		WithMaxPollRecords(500),
	)
	assert.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, app.brokers)
	assert.Equal(t, "http://registry:8081", app.registryURL)
	assert.Equal(t, time.Second, app.commitInterval)
	assert.Equal(t, ResetLatest, app.resetPolicy)
	assert.Equal(t, 500, app.maxPollRecords)
	assert.Equal(t, filepath.Join("/var/lib/wikistats", "wikipedia-feed"), app.appStateDir())
}

func TestCleanRemovesApplicationState(t *testing.T) {
	stateDir := t.TempDir()
	app, err := New("wikipedia-feed", WithStateDir(stateDir))
	assert.NoError(t, err)

	appDir := filepath.Join(stateDir, "wikipedia-feed")
	assert.NoError(t, os.MkdirAll(appDir, 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(appDir, "counts.changelog"), []byte("x"), 0o644))

	assert.NoError(t, app.Clean())

	_, err = os.Stat(appDir)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanOfMissingStateIsNoOp(t *testing.T) {
	app, err := New("wikipedia-feed", WithStateDir(t.TempDir()))
	assert.NoError(t, err)
	assert.NoError(t, app.Clean())
}

func TestCleanRefusesLockedState(t *testing.T) {
	stateDir := t.TempDir()
	app, err := New("wikipedia-feed", WithStateDir(stateDir))
	assert.NoError(t, err)

	appDir := filepath.Join(stateDir, "wikipedia-feed")
	assert.NoError(t, os.MkdirAll(appDir, 0o755))
	lock := store.NewDirectoryLock(appDir)
	assert.NoError(t, lock.Lock())
	defer func() { _ = lock.Unlock() }()

	assert.Error(t, app.Clean())
	_, err = os.Stat(appDir)
	assert.NoError(t, err)
}

func TestResetPolicyString(t *testing.T) {
	assert.Equal(t, "earliest", ResetEarliest.String())
	assert.Equal(t, "latest", ResetLatest.String())
}
