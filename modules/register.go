// Package modules registers the built-in module factories.
package modules

import (
	"errors"

	pkgerrors "github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/modules/convert"
	"github.com/pvorotnikov/open-iot-sub001/modules/enrich"
	"github.com/pvorotnikov/open-iot-sub001/modules/tagger"
	"github.com/pvorotnikov/open-iot-sub001/modules/validate"
)

// Register adds every built-in factory to catalog:
//   - validate: non-empty, JSON and JSON-schema checks
//   - convert-units: numeric field unit conversion
//   - tagger: static tags
//   - enrich: metadata and static fields written into the payload
func Register(catalog *module.Catalog) error {
	if catalog == nil {
		return pkgerrors.WrapFatal(errors.New("catalog cannot be nil"), "Modules", "Register", "catalog validation")
	}

	for name, register := range map[string]func(*module.Catalog) error{
		validate.FactoryName: validate.Register,
		convert.FactoryName:  convert.Register,
		tagger.FactoryName:   tagger.Register,
		enrich.FactoryName:   enrich.Register,
	} {
		if err := register(catalog); err != nil {
			return pkgerrors.WrapInvalid(err, "Modules", "Register", name+" registration")
		}
	}
	return nil
}

// NewCatalog returns a catalog holding the built-in factories
func NewCatalog() (*module.Catalog, error) {
	catalog := module.NewCatalog()
	if err := Register(catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}
