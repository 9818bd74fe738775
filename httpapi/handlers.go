package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/evaluator"
	"github.com/isdmx/execbox/model"
)

// defaultTaskMarks is what a graded task is worth when the request names no marks
const defaultTaskMarks = 10

// ExecuteRequest is the body of both execute routes
type ExecuteRequest struct {
	ID        string                 `json:"id"`
	Language  string                 `json:"language"`
	Code      string                 `json:"code"`
	Stdin     string                 `json:"stdin"`
	Args      []string               `json:"args"`
	Archive   []byte                 `json:"workdir_tar"` // base64 tar.gz
	Profile   *model.ProfileOverride `json:"profile"`
	TestCases []evaluator.TestCase   `json:"test_cases"`
	TaskMarks float64                `json:"task_marks"`
}

func (r *ExecuteRequest) submission() model.Submission {
	return model.Submission{
		ID:       r.ID,
		Language: r.Language,
		Source:   r.Code,
		Archive:  r.Archive,
		Stdin:    r.Stdin,
		Args:     r.Args,
		Profile:  r.Profile,
	}
}

// ExecuteResponse is returned by POST /api/execute
type ExecuteResponse struct {
	Success  bool                   `json:"success"`
	Result   *model.ExecutionResult `json:"result,omitempty"`
	Report   *evaluator.Report      `json:"report,omitempty"`
	Score    float64                `json:"score"`
	MaxScore float64                `json:"max_score"`
}

// QuickResponse is returned by POST /api/execute/quick
type QuickResponse struct {
	Success         bool                 `json:"success"`
	SubmissionID    string               `json:"submission_id"`
	Output          string               `json:"output"`
	OutputTruncated bool                 `json:"output_truncated"`
	Error           string               `json:"error"`
	ExitCode        int                  `json:"exit_code"`
	ExecutionTimeMS int64                `json:"execution_time_ms"`
	Reason          model.TerminalReason `json:"terminal_reason"`
}

// LanguageInfo describes one runnable language
type LanguageInfo struct {
	ID      string `json:"id"`
	Image   string `json:"image"`
	Profile string `json:"profile"`
}

func (s *Server) parse(c *fiber.Ctx) (*ExecuteRequest, error) {
	var req ExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Code == "" || req.Language == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Missing required fields: code and language")
	}
	return &req, nil
}

func (s *Server) handleExecute(c *fiber.Ctx) error {
	req, err := s.parse(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()

	if len(req.TestCases) == 0 {
		result, err := s.exec.Execute(ctx, req.submission())
		if err != nil {
			return err
		}
		return c.JSON(ExecuteResponse{
			Success: result.Reason == model.ReasonCompleted && result.ExitCode == 0,
			Result:  &result,
		})
	}

	marks := req.TaskMarks
	if marks <= 0 {
		marks = defaultTaskMarks
	}

	s.logger.Info("Grading submission",
		zap.String("language", req.Language),
		zap.Int("test_cases", len(req.TestCases)))

	// Rejections are the same for every case, so the first one aborts grading.
	var (
		mu     sync.Mutex
		runErr error
		base   = req.submission()
	)
	run := func(ctx context.Context, stdin string) (model.ExecutionResult, error) {
		mu.Lock()
		failed := runErr
		mu.Unlock()
		if failed != nil {
			return model.ExecutionResult{}, failed
		}

		sub := base.Clone()
		sub.ID = ""
		sub.Stdin = stdin
		result, err := s.exec.Execute(ctx, sub)
		if err != nil {
			mu.Lock()
			runErr = err
			mu.Unlock()
		}
		return result, err
	}

	report := evaluator.Evaluate(ctx, run, req.TestCases)
	if runErr != nil {
		return runErr
	}

	return c.JSON(ExecuteResponse{
		Success:  report.Failed == 0,
		Report:   &report,
		Score:    report.Points(marks),
		MaxScore: marks,
	})
}

func (s *Server) handleQuick(c *fiber.Ctx) error {
	req, err := s.parse(c)
	if err != nil {
		return err
	}

	result, err := s.exec.Execute(c.UserContext(), req.submission())
	if err != nil {
		return err
	}

	return c.JSON(QuickResponse{
		Success:         result.Reason == model.ReasonCompleted && result.ExitCode == 0,
		SubmissionID:    result.SubmissionID,
		Output:          result.Stdout,
		OutputTruncated: result.StdoutTruncated,
		Error:           result.Stderr,
		ExitCode:        result.ExitCode,
		ExecutionTimeMS: result.WallTime.Milliseconds(),
		Reason:          result.Reason,
	})
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if !s.exec.Cancel(id) {
		return fiber.NewError(fiber.StatusNotFound, "Execution not found")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success":       true,
		"submission_id": id,
	})
}

func (s *Server) handleLanguages(c *fiber.Ctx) error {
	images := s.languages.Images()
	out := make([]LanguageInfo, 0, len(images))
	for _, img := range images {
		out = append(out, LanguageInfo{ID: img.Language, Image: img.Reference, Profile: img.Profile})
	}
	return c.JSON(fiber.Map{
		"languages":       out,
		"catalog_version": s.languages.Version(),
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":        "healthy",
		"service":       ServiceName,
		"slots_in_use":  s.exec.InUse(),
		"slot_capacity": s.exec.Capacity(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}
