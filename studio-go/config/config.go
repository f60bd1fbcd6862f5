// Package config loads the settings of the fine-tuning tools from the environment and builds the
// experiments manager they describe.
package config

import (
	"strings"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments/localdb"
	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments/mlflow"
	"github.com/embeddingstudio/embeddingstudio/studio-go/metrics"
	"github.com/embeddingstudio/embeddingstudio/studio-go/modelstore"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/envutil"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/rollbar"
	"go.uber.org/zap"
)

const (
	// DefaultMainMetric is the quality metric of the default fine-tuning method.
	DefaultMainMetric = "test_not_irrelevant_dist_shift"
	// DefaultNetworkTimeout bounds every call to the tracking server and the model store.
	DefaultNetworkTimeout = 120000 * time.Second
	// DefaultTrackingDBPath is used when no tracking server is configured.
	DefaultTrackingDBPath = "tracking.db"
	// DefaultModelStoreURI is used when MODEL_STORE_URI is not set.
	DefaultModelStoreURI = "models"
)

// Config holds the settings shared by the binaries.
type Config struct {
	// TrackingURI of an MLflow server; empty selects the local database at TrackingDBPath.
	TrackingURI    string
	TrackingDBPath string
	// ModelStoreURI is an s3:// URI or a local directory.
	ModelStoreURI  string
	MainMetric     string
	MainMetricLoss bool
	NTopRuns       int
	NetworkTimeout time.Duration
	RollbarToken   string
	RollbarEnv     string
	AWSRegion      string
	Debug          bool
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		TrackingURI:    envutil.GetenvDefault("MLFLOW_TRACKING_URI", ""),
		TrackingDBPath: envutil.GetenvDefault("TRACKING_DB_PATH", DefaultTrackingDBPath),
		ModelStoreURI:  envutil.GetenvDefault("MODEL_STORE_URI", DefaultModelStoreURI),
		MainMetric:     envutil.GetenvDefault("MAIN_METRIC", DefaultMainMetric),
		RollbarToken:   envutil.GetenvDefault("ROLLBAR_TOKEN", ""),
		RollbarEnv:     envutil.GetenvDefault("ROLLBAR_ENV", "development"),
		AWSRegion:      envutil.GetenvDefault("AWS_REGION", ""),
	}

	var err error
	if cfg.MainMetricLoss, err = envutil.GetenvDefaultBool("MAIN_METRIC_IS_LOSS", false); err != nil {
		return Config{}, err
	}
	if cfg.NTopRuns, err = envutil.GetenvDefaultInt("N_TOP_RUNS", experiments.DefaultNTopRuns); err != nil {
		return Config{}, err
	}
	if cfg.NetworkTimeout, err = envutil.GetenvDefaultDuration("NETWORK_TIMEOUT", DefaultNetworkTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = envutil.GetenvDefaultBool("DEBUG", false); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs errors.Errors
	if strings.TrimSpace(c.MainMetric) == "" {
		errs = errors.Append(errs, errors.New("main metric is required"))
	}
	if c.NTopRuns <= 0 {
		errs = errors.Append(errs, errors.Errorf("n top runs should be positive, got %d", c.NTopRuns))
	}
	if c.NetworkTimeout <= 0 {
		errs = errors.Append(errs, errors.Errorf("network timeout should be positive, got %v", c.NetworkTimeout))
	}
	if c.TrackingURI == "" && c.TrackingDBPath == "" {
		errs = errors.Append(errs, errors.New("a tracking uri or a tracking db path is required"))
	}
	if c.ModelStoreURI == "" {
		errs = errors.Append(errs, errors.New("model store uri is required"))
	}
	if errs == nil {
		return nil
	}
	return errs
}

// ConfigureRollbar applies the rollbar settings; reports are only logged without a token.
func (c Config) ConfigureRollbar() {
	rollbar.SetToken(c.RollbarToken)
	rollbar.SetEnvironment(c.RollbarEnv)
}

// DefaultAccumulators are the accumulators of the default fine-tuning method: train metrics with
// every statistic, test metrics raw.
func DefaultAccumulators() []*metrics.Accumulator {
	return []*metrics.Accumulator{
		metrics.NewAccumulator("train_loss", metrics.WithAll()),
		metrics.NewAccumulator("train_not_irrelevant_dist_shift", metrics.WithAll()),
		metrics.NewAccumulator("train_irrelevant_dist_shift", metrics.WithAll()),
		metrics.NewAccumulator("test_loss"),
		metrics.NewAccumulator("test_not_irrelevant_dist_shift"),
		metrics.NewAccumulator("test_irrelevant_dist_shift"),
	}
}

// Closer releases a tracker.
type Closer func() error

// OpenTracker connects to the tracking server, or opens the local database when no server is
// configured.
func (c Config) OpenTracker() (experiments.Tracker, Closer, error) {
	if c.TrackingURI != "" {
		client, err := mlflow.New(c.TrackingURI, c.NetworkTimeout)
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { return nil }, nil
	}

	db, err := localdb.OpenFile(c.TrackingDBPath)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

// OpenStore opens the model store.
func (c Config) OpenStore() (modelstore.Store, error) {
	return modelstore.Open(c.ModelStoreURI, c.AWSRegion, c.NetworkTimeout)
}

// NewManager builds a manager over the configured tracker and store. The caller opens the
// manager and calls the Closer once done with it.
func (c Config) NewManager(logger *zap.Logger) (*experiments.Manager, Closer, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, errors.Wrapf(err, "invalid configuration")
	}

	tracker, closer, err := c.OpenTracker()
	if err != nil {
		return nil, nil, err
	}
	store, err := c.OpenStore()
	if err != nil {
		closer()
		return nil, nil, err
	}

	m, err := experiments.NewManager(tracker, store, experiments.Options{
		MainMetric:   c.MainMetric,
		IsLoss:       c.MainMetricLoss,
		NTopRuns:     c.NTopRuns,
		Accumulators: DefaultAccumulators(),
		Logger:       logger,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}
	return m, closer, nil
}
