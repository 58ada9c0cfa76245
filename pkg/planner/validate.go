package planner

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
)

var validate = validator.New()

// validateSubmodels runs struct-tag validation (required names, known
// engine strings, non-negative replica counts, dived port lists) over
// every submodel in model, the way internal/ome-agent/replica.Config
// validates its viper-bound fields before a replica job proceeds.
func validateSubmodels(model *flowmodel.FlowModel) error {
	for name, sm := range model.Submodels() {
		if err := validate.Struct(sm); err != nil {
			return errors.Wrapf(err, "planner: submodel %q failed validation", name)
		}
	}
	return nil
}

// validatePlanShape checks the DeployPlan invariant of spec §8 invariant 1:
// every device named in PerDeviceSubmodels must also appear in Assignment,
// and vice versa. Struct tags can't express a cross-map invariant like this,
// so it's a plain function rather than a `validate:"..."` tag.
func validatePlanShape(plan *DeployPlan) error {
	assigned := make(map[flowmodel.DeviceInfo]bool)
	for _, devices := range plan.Assignment {
		for _, d := range devices {
			assigned[d] = true
		}
	}
	for d := range plan.PerDeviceSubmodels {
		if !assigned[d] {
			return errors.Errorf("planner: device %s appears in PerDeviceSubmodels but was not assigned any submodel", d)
		}
	}
	for d := range assigned {
		if _, ok := plan.PerDeviceSubmodels[d]; !ok {
			return errors.Errorf("planner: device %s was assigned a submodel but has no PerDeviceSubmodels entry", d)
		}
	}
	return nil
}
