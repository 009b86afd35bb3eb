// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cloudinit

import (
	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v2"

	"github.com/juju/redmine-provision/internal/config"
)

// configPath is where the user-data drops the provisioner config on
// the target VM.
const configPath = "/etc/redmine-provision.yaml"

// UserData renders the document that installs Redmine at first boot:
// refresh packages, fetch the provisioner binary, write its config
// and run it. binaryURL points at the published linux build.
func UserData(cfg config.Config, binaryURL string) ([]byte, error) {
	if binaryURL == "" {
		return nil, errors.NotValidf("empty binary URL")
	}
	confData, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Annotate(err, "marshalling provisioner config")
	}

	ci := New()
	ci.SetPackageUpdate(true)
	ci.SetPackageUpgrade(false)
	ci.AddPackage("curl")
	ci.AddPackage("git")
	ci.AddWriteFile(WriteFile{
		Path:        configPath,
		Content:     string(confData),
		Owner:       "root:root",
		Permissions: "0600",
	})
	ci.AddRunCmd(
		shellquote.Join("curl", "-fsSL", "-o", "/usr/local/bin/redmine-provision", binaryURL),
		"chmod 0755 /usr/local/bin/redmine-provision",
		shellquote.Join("/usr/local/bin/redmine-provision", "install",
			"--config", configPath, "--log-file", cfg.LogFile),
	)
	ci.SetFinalMessage("redmine provisioning kicked off; follow " + cfg.LogFile)
	return ci.Render()
}
