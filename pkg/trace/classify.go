package trace

import "strings"

// Role tags the kind of participant a call record belongs to.
type Role string

const (
	RoleController Role = "CONTROLLER"
	RoleService    Role = "SERVICE"
	RoleRepository Role = "REPOSITORY"
	RoleEntity     Role = "ENTITY"
	RoleDTO        Role = "DTO"
	RoleFramework  Role = "FRAMEWORK"
	RoleOther      Role = "OTHER"
)

// Marker values an instrumentation point can declare about itself.
const (
	MarkerController = "controller"
	MarkerService    = "service"
	MarkerRepository = "repository"
	MarkerEntity     = "entity"
	MarkerDTO        = "dto"
)

// Facts are the structural properties known statically at an instrumentation
// point. Classification never inspects runtime values.
type Facts struct {
	// PackagePath is the declared import path of the participant.
	PackagePath string
	// Marker is an explicit role declaration, one of the Marker constants.
	Marker string
}

// frameworkPrefixes identify packages owned by frameworks and drivers rather
// than the instrumented application.
var frameworkPrefixes = []string{
	"net/http",
	"database/sql",
	"google.golang.org/grpc",
	"github.com/gorilla/",
	"github.com/jackc/pgx",
	"github.com/redis/go-redis",
	"github.com/prometheus/",
}

// Classify resolves the participant role with fixed precedence: framework
// namespace match first, then the persistence-entity marker, then declared
// markers, and finally DTO for plain types outside platform namespaces.
func Classify(f Facts) Role {
	pkg := strings.TrimSpace(f.PackagePath)
	for _, prefix := range frameworkPrefixes {
		if strings.HasPrefix(pkg, prefix) {
			return RoleFramework
		}
	}
	switch strings.ToLower(strings.TrimSpace(f.Marker)) {
	case MarkerEntity:
		return RoleEntity
	case MarkerController:
		return RoleController
	case MarkerService:
		return RoleService
	case MarkerRepository:
		return RoleRepository
	case MarkerDTO:
		return RoleDTO
	}
	if pkg != "" && !isPlatformPackage(pkg) {
		return RoleDTO
	}
	return RoleOther
}

// isPlatformPackage reports whether the path belongs to the Go platform
// (standard library or golang.org/x) rather than application code.
func isPlatformPackage(pkg string) bool {
	if strings.HasPrefix(pkg, "golang.org/x/") {
		return true
	}
	first, _, _ := strings.Cut(pkg, "/")
	return !strings.Contains(first, ".")
}
