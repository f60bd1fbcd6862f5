package main

import (
	"context"
	"io/ioutil"
	"log"

	arg "github.com/alexflint/go-arg"
	"github.com/embeddingstudio/embeddingstudio/studio-go/config"
	"github.com/embeddingstudio/embeddingstudio/studio-go/experiments"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/rollbar"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/studiolog"
	"go.uber.org/zap"
)

// blob is a serialized model handled as opaque bytes.
type blob []byte

func (b blob) MarshalBinary() ([]byte, error) { return b, nil }

func (b *blob) UnmarshalBinary(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}

type args struct {
	Model    string `arg:"positional,required" help:"serialized model file"`
	Download bool   `arg:"-d" help:"download the current initial model into the file instead"`
}

func run(ctx context.Context, m *experiments.Manager, a args) (err error) {
	if err := m.Open(ctx); err != nil {
		return err
	}
	defer errors.Defer(&err, func() error { return m.Close(ctx) })

	if a.Download {
		var b blob
		if err := m.DownloadInitialModel(ctx, &b); err != nil {
			return err
		}
		return ioutil.WriteFile(a.Model, b, 0644)
	}

	data, err := ioutil.ReadFile(a.Model)
	if err != nil {
		return errors.Wrapf(err, "unable to read model file")
	}
	return m.UploadInitialModel(ctx, blob(data))
}

func main() {
	var a args
	arg.MustParse(&a)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalln(err)
	}
	cfg.ConfigureRollbar()

	logger := studiolog.New(studiolog.Options{Name: "upload-initial-model", Debug: cfg.Debug})
	defer logger.Sync()

	m, closer, err := cfg.NewManager(logger)
	if err != nil {
		logger.Fatal("unable to create experiments manager", zap.Error(err))
	}
	defer closer()

	if err := run(context.Background(), m, a); err != nil {
		rollbar.Error(err, a.Model)
		rollbar.Wait()
		logger.Fatal("failed", zap.Error(err))
	}
	logger.Info("done", zap.String("model", a.Model), zap.Bool("download", a.Download))
}
