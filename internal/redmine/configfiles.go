// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package redmine

import (
	"path/filepath"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"

	"github.com/juju/redmine-provision/internal/files"
)

// DatabaseYAML renders config/database.yml. A yaml.MapSlice keeps the
// key order fixed so the output is byte-identical for unchanged
// configuration.
func (a *App) DatabaseYAML() ([]byte, error) {
	db := a.cfg.Database
	doc := yaml.MapSlice{{
		Key: "production",
		Value: yaml.MapSlice{
			{Key: "adapter", Value: "mysql2"},
			{Key: "database", Value: db.Name},
			{Key: "host", Value: db.Host},
			{Key: "username", Value: db.User},
			{Key: "password", Value: db.Password},
			{Key: "encoding", Value: db.Encoding},
			{Key: "pool", Value: db.Pool},
			{Key: "timeout", Value: db.Timeout},
			{Key: "variables", Value: yaml.MapSlice{
				{Key: "transaction_isolation", Value: db.TransactionIsolation},
			}},
		},
	}}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// WriteDatabaseConfig installs config/database.yml, leaving an
// identical file untouched.
func (a *App) WriteDatabaseConfig() error {
	data, err := a.DatabaseYAML()
	if err != nil {
		return errors.Trace(err)
	}
	path := filepath.Join(a.cfg.Redmine.Dir, "config", "database.yml")
	changed, err := files.WriteIfChanged(path, data, 0o640)
	if err != nil {
		return errors.Annotate(err, "writing database.yml")
	}
	if changed {
		logger.Infof("wrote %s", path)
	}
	return nil
}

// WriteExampleConfigs copies the vendor-supplied .example templates
// into place when the real files are missing. Existing files are
// never clobbered; operators edit them.
func (a *App) WriteExampleConfigs() error {
	configDir := filepath.Join(a.cfg.Redmine.Dir, "config")
	for _, name := range []string{"configuration.yml", "secrets.yml"} {
		src := filepath.Join(configDir, name+".example")
		if !files.Exists(src) {
			// Older Redmine releases ship only some templates.
			logger.Debugf("no %s, skipping", src)
			continue
		}
		copied, err := files.CopyIfMissing(src, filepath.Join(configDir, name), 0o640)
		if err != nil {
			return errors.Annotatef(err, "installing %s", name)
		}
		if copied {
			logger.Infof("installed config/%s from its example", name)
		}
	}
	return nil
}
