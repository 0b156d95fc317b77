package session

import "fmt"

// CiraStep is a CIRA configuration milestone. Milestones are completed strictly
// in declaration order; the first incomplete milestone is the configurator's
// current position.
type CiraStep uint8

const (
	// CiraNone means no milestone has been completed.
	CiraNone CiraStep = iota

	// Teardown of any pre-existing tunnel configuration.
	CiraPolicyUserInitiated
	CiraPolicyAlert
	CiraPolicyPeriodic
	CiraMPSEnumerate
	CiraMPSDelete
	CiraPublicCertEnumerate
	CiraPublicCertDelete
	CiraEnvDetectionGet
	CiraEnvDetectionCleared

	// Build of the new tunnel configuration.
	CiraTrustedRootAdded
	CiraMPSAdded
	CiraMPSEnumerated
	CiraRemotePolicyAdded
	CiraUserInitiatedEnabled
	CiraEnvDetectionGetCIRA
	CiraEnvDetectionSetCIRA
)

// CiraTeardownComplete is the terminal milestone of the teardown phase.
const CiraTeardownComplete = CiraEnvDetectionCleared

var ciraStepNames = map[CiraStep]string{
	CiraNone:                 "none",
	CiraPolicyUserInitiated:  "policy-user-initiated-removed",
	CiraPolicyAlert:          "policy-alert-removed",
	CiraPolicyPeriodic:       "policy-periodic-removed",
	CiraMPSEnumerate:         "mps-enumerated",
	CiraMPSDelete:            "mps-removed",
	CiraPublicCertEnumerate:  "public-certs-enumerated",
	CiraPublicCertDelete:     "public-certs-removed",
	CiraEnvDetectionGet:      "env-detection-read",
	CiraEnvDetectionCleared:  "env-detection-cleared",
	CiraTrustedRootAdded:     "trusted-root-added",
	CiraMPSAdded:             "mps-added",
	CiraMPSEnumerated:        "mps-confirmed",
	CiraRemotePolicyAdded:    "remote-access-policy-added",
	CiraUserInitiatedEnabled: "user-initiated-enabled",
	CiraEnvDetectionGetCIRA:  "env-detection-reread",
	CiraEnvDetectionSetCIRA:  "env-detection-set",
}

func (s CiraStep) String() string {
	if name, ok := ciraStepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("cira-step(%d)", uint8(s))
}

// CiraProgress records the completed CIRA milestones of a session.
// Marks are monotonic and only ever advance by one milestone.
type CiraProgress struct {
	last CiraStep

	// PublicCerts is the pending list of certificates still to delete.
	// nil until the enumeration reply has been consumed.
	PublicCerts []map[string]any
}

// Done reports whether milestone step has been completed.
func (p *CiraProgress) Done(step CiraStep) bool {
	return step != CiraNone && step <= p.last
}

// Last returns the most recently completed milestone.
func (p *CiraProgress) Last() CiraStep {
	return p.last
}

// Mark completes milestone step. It fails unless step is the next milestone.
func (p *CiraProgress) Mark(step CiraStep) error {
	if step != p.last+1 || step > CiraEnvDetectionSetCIRA {
		return fmt.Errorf("cira milestone %s out of order after %s", step, p.last)
	}
	p.last = step
	return nil
}

// Completed returns the completed milestones in order.
func (p *CiraProgress) Completed() []CiraStep {
	steps := make([]CiraStep, 0, int(p.last))
	for s := CiraNone + 1; s <= p.last; s++ {
		steps = append(steps, s)
	}
	return steps
}
