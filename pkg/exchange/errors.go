package exchange

import (
	"fmt"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
)

func invalidRefIndex(e EndpointDesc) error {
	return dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf(
		"RefQueue endpoint %d has ref_index %d that does not resolve to an earlier Queue endpoint", e.Index, e.RefIndex))
}

func invalidGroupMember(e EndpointDesc, member int) error {
	return dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf(
		"Group endpoint %d has invalid or group-typed member %d", e.Index, member))
}
