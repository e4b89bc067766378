// Package runner orchestrates the relay workflow.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/fgeck/sqlrelay/internal/services/query"
	"github.com/fgeck/sqlrelay/internal/services/sharepoint"
	"github.com/fgeck/sqlrelay/internal/services/telegram"
	"github.com/fgeck/sqlrelay/internal/services/tunnel"
	"github.com/fgeck/sqlrelay/internal/services/wol"
	"github.com/fgeck/sqlrelay/internal/services/workbook"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Step names reported on failure.
const (
	StepReadQueries       = "read_queries"
	StepWake              = "wake"
	StepTunnels           = "tunnels"
	StepExtractWarehouse  = "extract_warehouse"
	StepExtractRelational = "extract_relational"
	StepWriteOutput       = "write_output"
	StepUpload            = "upload"
	StepRename            = "rename"
)

// Service defines the interface for the relay runner.
type Service interface {
	Run(ctx context.Context, cfg models.RelayConfig) error
}

// Impl implements the runner Service interface.
type Impl struct {
	workbookSvc   workbook.Service
	wolSvc        wol.Service
	tunnelSvc     tunnel.Service
	querySvc      query.Service
	sharepointSvc sharepoint.Service
	telegramSvc   telegram.Service
	logger        zerolog.Logger
	newRunID      func() string
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		workbookSvc:   workbook.New(logger),
		wolSvc:        wol.New(logger),
		tunnelSvc:     tunnel.New(logger),
		querySvc:      query.New(logger),
		sharepointSvc: sharepoint.New(logger),
		telegramSvc:   telegram.New(logger),
		logger:        logger,
		newRunID:      uuid.NewString,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	workbookSvc workbook.Service,
	wolSvc wol.Service,
	tunnelSvc tunnel.Service,
	querySvc query.Service,
	sharepointSvc sharepoint.Service,
	telegramSvc telegram.Service,
) *Impl {
	return &Impl{
		workbookSvc:   workbookSvc,
		wolSvc:        wolSvc,
		tunnelSvc:     tunnelSvc,
		querySvc:      querySvc,
		sharepointSvc: sharepointSvc,
		telegramSvc:   telegramSvc,
		logger:        logger,
		newRunID:      uuid.NewString,
	}
}

// Run executes the complete relay workflow.
//
//nolint:gocognit,gocyclo // relay workflow has multiple steps by design
func (s *Impl) Run(ctx context.Context, cfg models.RelayConfig) (runErr error) {
	startTime := time.Now()
	runID := s.newRunID()
	logger := s.logger.With().Str("run_id", runID).Logger()

	var failedStep string
	msg := models.RelayMessage{RunID: runID, StartTime: startTime}

	logger.Info().
		Str("input", cfg.Workbook.InputPath).
		Str("bastion", cfg.SSH.Host).
		Msg("starting relay run")

	var sessions []tunnel.Session
	defer func() {
		for _, sess := range sessions {
			if err := sess.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close SSH session")
			}
		}
		if len(sessions) > 0 {
			logger.Debug().Int("sessions", len(sessions)).Msg("SSH sessions closed")
		}
	}()

	defer func() {
		if cfg.Telegram != nil {
			msg.Success = runErr == nil
			msg.Duration = time.Since(startTime)
			if runErr != nil {
				msg.FailedStep = failedStep
				msg.ErrorMessage = runErr.Error()
			}
			s.sendNotification(ctx, logger, *cfg.Telegram, msg)
		}
	}()

	// Step 1: Read both statements before touching the network
	failedStep = StepReadQueries
	queries, err := s.workbookSvc.ReadQueries(cfg.Workbook.InputPath, cfg.Workbook.SQLCell)
	if err != nil {
		return fmt.Errorf("read queries failed: %w", err)
	}

	// Step 2: Wake the bastion (if configured)
	if cfg.SSH.Wake != nil {
		failedStep = StepWake
		if err := s.runWake(ctx, logger, cfg.SSH); err != nil {
			return err
		}
	}

	// Step 3: Open tunnels
	failedStep = StepTunnels
	ports, err := s.openTunnels(ctx, cfg, &sessions)
	if err != nil {
		return fmt.Errorf("tunnel setup failed: %w", err)
	}

	logger.Info().
		Int("warehouse_port", ports[0]).
		Int("relational_port", ports[1]).
		Msg("tunnels established")

	// Step 4: Extract
	failedStep = StepExtractWarehouse
	warehouse, err := s.fetch(ctx, cfg.Warehouse, ports[0], queries.SQL1)
	if err != nil {
		return fmt.Errorf("warehouse query failed: %w", err)
	}

	failedStep = StepExtractRelational
	relational, err := s.fetch(ctx, cfg.Relational, ports[1], queries.SQL2)
	if err != nil {
		return fmt.Errorf("relational query failed: %w", err)
	}

	msg.WarehouseRows = len(warehouse.Rows)
	msg.RelationalRows = len(relational.Rows)

	// Step 5: Package
	failedStep = StepWriteOutput
	size, err := s.workbookSvc.Write(cfg.Workbook.OutputPath, []workbook.NamedTable{
		{Sheet: workbook.SheetData1, Table: warehouse},
		{Sheet: workbook.SheetData2, Table: relational},
	})
	if err != nil {
		return fmt.Errorf("write output failed: %w", err)
	}

	msg.OutputPath = cfg.Workbook.OutputPath
	msg.OutputBytes = size

	logger.Info().
		Str("output", cfg.Workbook.OutputPath).
		Int64("size", size).
		Msg("output workbook written")

	// Step 6: Publish (if configured)
	if cfg.SharePoint != nil {
		if err := s.publish(ctx, logger, *cfg.SharePoint, cfg.Workbook.OutputPath, &msg, &failedStep); err != nil {
			return err
		}
	}

	failedStep = ""
	logger.Info().
		Dur("duration", time.Since(startTime)).
		Msg("relay run completed successfully")

	return nil
}

func (s *Impl) runWake(ctx context.Context, logger zerolog.Logger, cfg models.SSHConfig) error {
	result, err := s.wolSvc.Wake(ctx, *cfg.Wake, cfg.Host, cfg.Port)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}

	logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

// openTunnels appends every session it opens to sessions, so the caller can
// close them even when a later forward fails.
func (s *Impl) openTunnels(ctx context.Context, cfg models.RelayConfig, sessions *[]tunnel.Session) ([2]int, error) {
	var ports [2]int
	forwards := [2]models.Forward{cfg.Warehouse.Forward(), cfg.Relational.Forward()}

	var shared tunnel.Session
	for i, fwd := range forwards {
		sess := shared
		if sess == nil {
			var err error
			sess, err = s.tunnelSvc.Connect(ctx, cfg.SSH)
			if err != nil {
				return ports, err
			}
			*sessions = append(*sessions, sess)
			if cfg.SSH.SharedSession {
				shared = sess
			}
		}

		t, err := sess.Forward(fwd)
		if err != nil {
			return ports, err
		}
		ports[i] = t.LocalPort()
	}

	return ports, nil
}

func (s *Impl) fetch(ctx context.Context, cfg models.DatabaseConfig, port int, stmt string) (*models.Table, error) {
	result, err := s.querySvc.Fetch(ctx, cfg, port, stmt)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return result.Table, nil
}

// publish uploads the output and renames it. Authentication failures are
// logged and skip the remaining publication steps; other failures are fatal.
func (s *Impl) publish(
	ctx context.Context,
	logger zerolog.Logger,
	cfg models.SharePointConfig,
	outputPath string,
	msg *models.RelayMessage,
	failedStep *string,
) error {
	*failedStep = StepUpload
	upload, err := s.sharepointSvc.Upload(ctx, cfg, outputPath)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	if upload.AuthFailed {
		logger.Warn().
			Err(upload.Error).
			Str("site", cfg.SiteURL).
			Msg("SharePoint authentication failed, upload and rename skipped")
		msg.PublishNote = "SharePoint authentication failed, upload skipped"
		return nil
	}
	if upload.Error != nil {
		return fmt.Errorf("upload failed: %w", upload.Error)
	}

	msg.PublishedPath = upload.RemotePath
	logger.Info().
		Str("remote_path", upload.RemotePath).
		Dur("duration", upload.Duration).
		Msg("output uploaded")

	if cfg.RenameTo == "" {
		return nil
	}

	*failedStep = StepRename
	rename, err := s.sharepointSvc.Rename(ctx, cfg, filepath.Base(outputPath), cfg.RenameTo)
	if err != nil {
		return fmt.Errorf("rename failed: %w", err)
	}
	if rename.AuthFailed {
		logger.Warn().
			Err(rename.Error).
			Str("site", cfg.SiteURL).
			Msg("SharePoint authentication failed, rename skipped")
		msg.PublishNote = "SharePoint authentication failed, rename skipped"
		return nil
	}
	if rename.Error != nil {
		return fmt.Errorf("rename failed: %w", rename.Error)
	}

	msg.PublishedPath = rename.RemotePath
	logger.Info().
		Str("remote_path", rename.RemotePath).
		Msg("output renamed")

	return nil
}

func (s *Impl) sendNotification(ctx context.Context, logger zerolog.Logger, cfg models.TelegramConfig, msg models.RelayMessage) {
	// The run context may already be cancelled when a signal aborted the run.
	if errors.Is(ctx.Err(), context.Canceled) {
		ctx = context.WithoutCancel(ctx)
	}

	result, err := s.telegramSvc.SendNotification(ctx, cfg, msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	logger.Info().Msg("Telegram notification sent")
}
