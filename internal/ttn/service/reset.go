package service

import (
	"context"

	"github.com/coldtrace/coldtrace/internal/ttn/domain"
	"go.uber.org/zap"
)

// StartFresh deletes the remote application with the platform admin
// credential and resets the stored connection to idle. Remote deletion is
// best-effort: the local reset happens even when the provider is unreachable,
// so a tenant is never wedged behind a dead application.
func (s *Service) StartFresh(ctx context.Context, orgID int64, region string) (domain.StartFreshResult, error) {
	if orgID == 0 {
		return domain.StartFreshResult{}, domain.ErrInvalidOrganization
	}
	if s.cfg.AdminAPIKey == "" {
		return domain.StartFreshResult{Success: false, Error: "TTN admin API key is not configured"}, nil
	}

	release, ok, err := s.acquireOrgLock(ctx, orgID)
	if err != nil {
		return domain.StartFreshResult{}, err
	}
	if !ok {
		return domain.StartFreshResult{Success: false, Error: errInFlight}, nil
	}
	defer release()

	conn, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return domain.StartFreshResult{}, err
	}

	deletedApp := false
	if conn != nil && deref(conn.ApplicationID) != "" {
		region = s.regionOrDefault(firstNonEmpty(region, conn.Region))
		deletedApp = s.deleteApplication(ctx, region, deref(conn.ApplicationID))
	}

	if err := s.repo.ResetCredentials(ctx, s.db, orgID); err != nil {
		return domain.StartFreshResult{}, err
	}

	if s.metrics != nil && deletedApp {
		s.metrics.RecordCleanupDeletes(ctx, "application", 1)
	}
	s.audit(ctx, orgID, "ttn.start_fresh", map[string]any{"deleted_app": deletedApp})
	s.log.Info("start fresh completed", zap.Int64("org_id", orgID), zap.Bool("deleted_app", deletedApp))
	return domain.StartFreshResult{Success: true, DeletedApp: deletedApp}, nil
}

// DeepClean removes every registered device and the application itself, then
// resets the stored connection to idle. Each remote deletion is tolerated
// individually so one stuck device never blocks the rest of the cleanup.
func (s *Service) DeepClean(ctx context.Context, orgID int64) (domain.DeepCleanResult, error) {
	if orgID == 0 {
		return domain.DeepCleanResult{}, domain.ErrInvalidOrganization
	}
	if s.cfg.AdminAPIKey == "" {
		return domain.DeepCleanResult{Success: false, Error: "TTN admin API key is not configured"}, nil
	}

	release, ok, err := s.acquireOrgLock(ctx, orgID)
	if err != nil {
		return domain.DeepCleanResult{}, err
	}
	if !ok {
		return domain.DeepCleanResult{Success: false, Error: errInFlight}, nil
	}
	defer release()

	conn, err := s.repo.FindByOrg(ctx, s.db, orgID)
	if err != nil {
		return domain.DeepCleanResult{}, err
	}

	deletedDevices := 0
	deletedApp := false
	if conn != nil && deref(conn.ApplicationID) != "" {
		region := s.regionOrDefault(conn.Region)
		applicationID := deref(conn.ApplicationID)
		deletedDevices = s.deleteAllDevices(ctx, region, applicationID)
		deletedApp = s.deleteApplication(ctx, region, applicationID)
	}

	if err := s.repo.ResetCredentials(ctx, s.db, orgID); err != nil {
		return domain.DeepCleanResult{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordCleanupDeletes(ctx, "device", int64(deletedDevices))
		if deletedApp {
			s.metrics.RecordCleanupDeletes(ctx, "application", 1)
		}
	}
	s.audit(ctx, orgID, "ttn.deep_clean", map[string]any{
		"deleted_devices": deletedDevices,
		"deleted_app":     deletedApp,
	})
	s.log.Info("deep clean completed",
		zap.Int64("org_id", orgID),
		zap.Int("deleted_devices", deletedDevices),
		zap.Bool("deleted_app", deletedApp),
	)
	return domain.DeepCleanResult{
		Success:        true,
		DeletedDevices: deletedDevices,
		DeletedApp:     deletedApp,
	}, nil
}

// deleteApplication removes the remote application with the admin credential.
// A 404 counts as deleted; anything else is logged and tolerated.
func (s *Service) deleteApplication(ctx context.Context, region, applicationID string) bool {
	result, err := s.client.DeleteApplication(ctx, region, s.cfg.AdminAPIKey, applicationID)
	s.recordProviderCall(ctx, "delete_application", err == nil && result.OK())
	if err != nil {
		s.log.Warn("failed to delete remote application",
			zap.String("application_id", applicationID),
			zap.Error(err),
		)
		return false
	}
	if result.OK() || result.StatusCode == 404 {
		return true
	}
	s.log.Warn("remote application deletion rejected",
		zap.String("application_id", applicationID),
		zap.Int("status", result.StatusCode),
	)
	return false
}

// deleteAllDevices lists and deletes the application's devices one at a time,
// returning how many were removed.
func (s *Service) deleteAllDevices(ctx context.Context, region, applicationID string) int {
	ids, result, err := s.client.ListDeviceIDs(ctx, region, s.cfg.AdminAPIKey, applicationID)
	s.recordProviderCall(ctx, "list_devices", err == nil && result.OK())
	if err != nil {
		s.log.Warn("failed to list remote devices", zap.String("application_id", applicationID), zap.Error(err))
		return 0
	}
	if !result.OK() {
		s.log.Warn("remote device listing rejected",
			zap.String("application_id", applicationID),
			zap.Int("status", result.StatusCode),
		)
		return 0
	}

	deleted := 0
	for _, deviceID := range ids {
		res, err := s.client.DeleteDevice(ctx, region, s.cfg.AdminAPIKey, applicationID, deviceID)
		s.recordProviderCall(ctx, "delete_device", err == nil && res.OK())
		if err != nil {
			s.log.Warn("failed to delete remote device", zap.String("device_id", deviceID), zap.Error(err))
			continue
		}
		if res.OK() || res.StatusCode == 404 {
			deleted++
			continue
		}
		s.log.Warn("remote device deletion rejected",
			zap.String("device_id", deviceID),
			zap.Int("status", res.StatusCode),
		)
	}
	return deleted
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
