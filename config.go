package sgdb

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// LoadOptions reads Options from a YAML file. Keys missing from the file
// keep their DefaultOptions value.
//
//	payload_size: 512
//	page_limit: 128
//	compression: lz4
//	timeout: 2s
//	backup_dir: /var/backups/sgdb
//	log_level: debug
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	opts := *DefaultOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if _, err := opts.logLevel(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return &opts, nil
}

func (o *Options) logLevel() (log.Level, error) {
	if o.LogLevel == "" {
		return log.GetLevel(), nil
	}
	return log.ParseLevel(o.LogLevel)
}

// logger returns the entry a handle logs through. An explicit level gets a
// logger of its own so it does not change the standard logger.
func (o *Options) logger(path string) (*log.Entry, error) {
	if o.LogLevel == "" {
		return log.WithField("db", path), nil
	}
	level, err := o.logLevel()
	if err != nil {
		return nil, err
	}
	l := log.New()
	l.SetOutput(log.StandardLogger().Out)
	l.SetFormatter(log.StandardLogger().Formatter)
	l.SetLevel(level)
	return l.WithField("db", path), nil
}
