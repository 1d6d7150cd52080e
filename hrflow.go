package hrflow

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config holds the configuration for the workflow service
type Config struct {
	DB                 *gorm.DB
	RedisClient        *redis.Client
	Logger             *zap.SugaredLogger
	CacheTTL           time.Duration
	CachePrefix        string
	AutoMigrate        bool
	EnableAuditLogging bool
}

// Service is the approval workflow engine: authority resolution, template
// matching, the instance state machine and the balance ledger behind one
// handle. It is invoked in-process by the boundary layer.
type Service struct {
	db           *gorm.DB
	redisClient  *redis.Client
	log          *zap.SugaredLogger
	cacheTTL     time.Duration
	cachePrefix  string
	auditEnabled bool
	adapters     map[string]ResourceAdapter
}

// New initializes the workflow service
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}

	if cfg.CachePrefix == "" {
		cfg.CachePrefix = "hrflow:"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	if cfg.AutoMigrate {
		err := cfg.DB.AutoMigrate(
			&Permission{},
			&Role{},
			&RolePermission{},
			&UserRole{},
			&PermissionScope{},
			&Delegation{},
			&Location{},
			&StaffType{},
			&LeaveType{},
			&Employee{},
			&WorkflowTemplate{},
			&WorkflowStep{},
			&WorkflowInstance{},
			&StepInstance{},
			&LeaveBalance{},
			&LeaveRequest{},
			&Timesheet{},
			&AuditLog{},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to auto-migrate: %w", err)
		}

		// One live instance per resource, enforced by the store so two
		// concurrent submissions cannot both create one. Partial indexes
		// work on both postgres and sqlite.
		err = cfg.DB.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_instance_live
			ON workflow_instances (resource_type, resource_id)
			WHERE status IN ('draft', 'submitted', 'under_review')`).Error
		if err != nil {
			return nil, fmt.Errorf("failed to create live-instance index: %w", err)
		}
	}

	s := &Service{
		db:           cfg.DB,
		redisClient:  cfg.RedisClient,
		log:          cfg.Logger,
		cacheTTL:     cfg.CacheTTL,
		cachePrefix:  cfg.CachePrefix,
		auditEnabled: cfg.EnableAuditLogging,
		adapters:     make(map[string]ResourceAdapter),
	}
	s.RegisterAdapter(ResourceLeaveRequest, &LeaveRequestAdapter{})
	s.RegisterAdapter(ResourceTimesheet, &TimesheetAdapter{})
	return s, nil
}

// RegisterAdapter installs or replaces the adapter for a resource type.
func (s *Service) RegisterAdapter(resourceType string, a ResourceAdapter) {
	s.adapters[resourceType] = a
}

func (s *Service) adapter(resourceType string) (ResourceAdapter, error) {
	a, ok := s.adapters[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for resource type %s", ErrInvalidInput, resourceType)
	}
	return a, nil
}
