package domain

import "strings"

// AdminAllRights marks a provider-admin credential that bypasses the granted
// rights list entirely.
const AdminAllRights = "ADMIN_ALL_RIGHTS"

// Bootstrap rights a main user key must carry before an organization can be
// onboarded.
var BootstrapRights = []string{
	"RIGHT_USER_ORGANIZATIONS_CREATE",
	"RIGHT_USER_APPLICATIONS_CREATE",
	"RIGHT_USER_GATEWAYS_CREATE",
}

// Required application rights by capability category.
var (
	coreRights = []string{
		"RIGHT_APPLICATION_INFO",
		"RIGHT_APPLICATION_TRAFFIC_READ",
	}
	webhookRights = []string{
		"RIGHT_APPLICATION_SETTINGS_BASIC",
	}
	deviceRights = []string{
		"RIGHT_APPLICATION_DEVICES_READ",
		"RIGHT_APPLICATION_DEVICES_WRITE",
	}
	downlinkRights = []string{
		"RIGHT_APPLICATION_TRAFFIC_DOWN_WRITE",
	}
)

// PermissionReport is the capability analysis of a granted rights list. It is
// computed per validation call and never persisted.
type PermissionReport struct {
	Valid  bool     `json:"valid"`
	Rights []string `json:"rights"`

	MissingCore     []string `json:"missing_core"`
	MissingWebhook  []string `json:"missing_webhook"`
	MissingDevices  []string `json:"missing_devices"`
	MissingDownlink []string `json:"missing_downlink"`

	CanConfigureWebhook bool `json:"can_configure_webhook"`
	CanManageDevices    bool `json:"can_manage_devices"`
	CanScheduleDownlink bool `json:"can_schedule_downlink"`
}

// ComputePermissionReport checks the granted rights against each capability
// category. A right counts as granted when listed literally or covered by the
// category wildcard (RIGHT_APPLICATION_ALL, RIGHT_USER_ALL, ...).
func ComputePermissionReport(rights []string) PermissionReport {
	granted := make(map[string]struct{}, len(rights))
	for _, right := range rights {
		granted[right] = struct{}{}
	}

	report := PermissionReport{
		Rights:          rights,
		MissingCore:     missingRights(granted, coreRights),
		MissingWebhook:  missingRights(granted, webhookRights),
		MissingDevices:  missingRights(granted, deviceRights),
		MissingDownlink: missingRights(granted, downlinkRights),
	}
	report.Valid = len(report.MissingCore) == 0
	report.CanConfigureWebhook = len(report.MissingWebhook) == 0
	report.CanManageDevices = len(report.MissingDevices) == 0
	report.CanScheduleDownlink = len(report.MissingDownlink) == 0
	return report
}

func missingRights(granted map[string]struct{}, required []string) []string {
	missing := make([]string, 0, len(required))
	for _, right := range required {
		if !hasRight(granted, right) {
			missing = append(missing, right)
		}
	}
	return missing
}

func hasRight(granted map[string]struct{}, right string) bool {
	if _, ok := granted[right]; ok {
		return true
	}
	if wildcard := categoryWildcard(right); wildcard != "" {
		if _, ok := granted[wildcard]; ok {
			return true
		}
	}
	return false
}

// categoryWildcard maps RIGHT_APPLICATION_DEVICES_READ to
// RIGHT_APPLICATION_ALL and equivalently for the ORGANIZATION, GATEWAY and
// USER prefixes.
func categoryWildcard(right string) string {
	parts := strings.SplitN(right, "_", 3)
	if len(parts) < 3 || parts[0] != "RIGHT" {
		return ""
	}
	switch parts[1] {
	case "APPLICATION", "ORGANIZATION", "GATEWAY", "USER":
		return "RIGHT_" + parts[1] + "_ALL"
	default:
		return ""
	}
}

// MissingBootstrapRights returns the bootstrap rights absent from the granted
// list, wildcard-aware.
func MissingBootstrapRights(rights []string) []string {
	granted := make(map[string]struct{}, len(rights))
	for _, right := range rights {
		granted[right] = struct{}{}
	}
	return missingRights(granted, BootstrapRights)
}
