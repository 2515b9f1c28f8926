package message

// Worker roles. A role names both the worker pool and the bus queue its
// step assignments are sent to.
const (
	RoleAnalysis        = "analysis"
	RoleOrchestrator    = "orchestrator"
	RoleHTMLExtractor   = "html_extractor"
	RolePDFAnalyzer     = "pdf_analyzer"
	RoleVisionProcessor = "vision_processor"
	RoleValidator       = "validator"
)

// Roles lists every worker role.
var Roles = []string{
	RoleAnalysis,
	RoleOrchestrator,
	RoleHTMLExtractor,
	RolePDFAnalyzer,
	RoleVisionProcessor,
	RoleValidator,
}

// ValidRole reports whether the role is one of the known worker roles.
func ValidRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}
