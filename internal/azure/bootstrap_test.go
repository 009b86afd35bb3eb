// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure_test

import (
	"encoding/base64"
	stdtesting "testing"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/utils/v4"
	gc "gopkg.in/check.v1"

	"github.com/juju/redmine-provision/internal/azure"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type bootstrapSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&bootstrapSuite{})

func (s *bootstrapSuite) TestResourceNames(c *gc.C) {
	names := azure.ResourceNames("redmine-vm")
	c.Check(names, jc.DeepEquals, azure.Names{
		VNet:     "redmine-vm-vnet",
		NSG:      "redmine-vm-nsg",
		PublicIP: "redmine-vm-pip",
		NIC:      "redmine-vm-nic",
	})
}

func (s *bootstrapSuite) TestEncodeCustomDataRoundTrip(c *gc.C) {
	userData := []byte("#cloud-config\npackage_update: true\n")
	encoded := azure.EncodeCustomData(userData)

	gzipped, err := base64.StdEncoding.DecodeString(encoded)
	c.Assert(err, jc.ErrorIsNil)
	decoded, err := utils.Gunzip(gzipped)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(decoded), gc.Equals, string(userData))
}
