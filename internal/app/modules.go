package app

import (
	"io"

	"github.com/specialistvlad/stagegrid/internal/registry"
	"github.com/specialistvlad/stagegrid/modules/env_vars"
	"github.com/specialistvlad/stagegrid/modules/http_client"
	"github.com/specialistvlad/stagegrid/modules/print"
	"github.com/specialistvlad/stagegrid/modules/s3"
	"github.com/specialistvlad/stagegrid/modules/sleep"
)

// coreModules is the definitive list of all modules that are compiled into
// the stagegrid binary. The print binding writes to out.
func coreModules(out io.Writer) []registry.Module {
	return []registry.Module{
		&env_vars.Module{},
		&print.Module{Out: out},
		&sleep.Module{},
		&http_client.Module{},
		&s3.Module{},
	}
}
