package db

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/handit-ai/handit-core/internal/db/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GetModel loads a model by id.
func (s *Store) GetModel(ctx context.Context, id uint) (*models.Model, error) {
	var m models.Model
	if err := s.conn(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "model", id)
	}
	return &m, nil
}

// CreateModel inserts m.
func (s *Store) CreateModel(ctx context.Context, m *models.Model) error {
	if err := s.conn(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create model %q: %w", m.Slug, err)
	}
	return nil
}

// SetModelPrompt overwrites parameters.prompt, keeping other parameters.
func (s *Store) SetModelPrompt(ctx context.Context, id uint, prompt string) error {
	m, err := s.GetModel(ctx, id)
	if err != nil {
		return err
	}
	params := datatypes.JSONMap{}
	for k, v := range m.Parameters {
		params[k] = v
	}
	params["prompt"] = prompt
	if err := s.conn(ctx).Model(&models.Model{}).Where("id = ?", id).Update("parameters", params).Error; err != nil {
		return fmt.Errorf("update prompt of model %d: %w", id, err)
	}
	return nil
}

// SetSystemPromptStructure stores the detected prompt structure of a model.
func (s *Store) SetSystemPromptStructure(ctx context.Context, id uint, structure datatypes.JSON) error {
	err := s.conn(ctx).Model(&models.Model{}).Where("id = ?", id).Update("system_prompt_structure", structure).Error
	if err != nil {
		return fmt.Errorf("update prompt structure of model %d: %w", id, err)
	}
	return nil
}

// ListOptimizableModels returns active models that are neither reviewers nor
// optimized challengers.
func (s *Store) ListOptimizableModels(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	err := s.conn(ctx).
		Where("active = ? AND is_reviewer = ? AND is_optimized = ?", true, false, false).
		Order("id").
		Find(&out).Error
	return out, err
}

// ActiveVersion returns the active version of a model.
func (s *Store) ActiveVersion(ctx context.Context, modelID uint) (*models.ModelVersion, error) {
	var v models.ModelVersion
	err := s.conn(ctx).Where("model_id = ? AND active_version = ?", modelID, true).First(&v).Error
	if err != nil {
		return nil, notFound(err, "active version of model", modelID)
	}
	return &v, nil
}

// ListVersions returns every version of a model, oldest first.
func (s *Store) ListVersions(ctx context.Context, modelID uint) ([]models.ModelVersion, error) {
	var out []models.ModelVersion
	err := s.conn(ctx).Where("model_id = ?", modelID).Order("id").Find(&out).Error
	return out, err
}

// CountVersions counts the versions of a model.
func (s *Store) CountVersions(ctx context.Context, modelID uint) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&models.ModelVersion{}).Where("model_id = ?", modelID).Count(&n).Error
	return n, err
}

// NextVersionNumber returns one more than the highest numeric version of a
// model, or 1 when it has none.
func (s *Store) NextVersionNumber(ctx context.Context, modelID uint) (int, error) {
	var versions []string
	err := s.conn(ctx).Model(&models.ModelVersion{}).Where("model_id = ?", modelID).Pluck("version", &versions).Error
	if err != nil {
		return 0, fmt.Errorf("list versions of model %d: %w", modelID, err)
	}
	nums := make([]int, 0, len(versions))
	for _, v := range versions {
		if n, err := strconv.Atoi(v); err == nil {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return 1, nil
	}
	sort.Ints(nums)
	return nums[len(nums)-1] + 1, nil
}

// DeactivateVersions clears activeVersion on every version of a model.
func (s *Store) DeactivateVersions(ctx context.Context, modelID uint) error {
	err := s.conn(ctx).Model(&models.ModelVersion{}).
		Where("model_id = ? AND active_version = ?", modelID, true).
		Update("active_version", false).Error
	if err != nil {
		return fmt.Errorf("deactivate versions of model %d: %w", modelID, err)
	}
	return nil
}

// CreateVersion inserts v.
func (s *Store) CreateVersion(ctx context.Context, v *models.ModelVersion) error {
	if err := s.conn(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("create version %s of model %d: %w", v.Version, v.ModelID, err)
	}
	return nil
}

// PrincipalABTest returns the principal A/B test of an original model.
func (s *Store) PrincipalABTest(ctx context.Context, modelID uint) (*models.ABTestModels, error) {
	var ab models.ABTestModels
	err := s.conn(ctx).Where("model_id = ? AND principal = ?", modelID, true).First(&ab).Error
	if err != nil {
		return nil, notFound(err, "principal A/B test of model", modelID)
	}
	return &ab, nil
}

// ListABTests returns A/B rows of an original model; principalOnly restricts to
// the live challenger.
func (s *Store) ListABTests(ctx context.Context, modelID uint, principalOnly bool) ([]models.ABTestModels, error) {
	q := s.conn(ctx).Where("model_id = ?", modelID)
	if principalOnly {
		q = q.Where("principal = ?", true)
	}
	var out []models.ABTestModels
	err := q.Order("id").Find(&out).Error
	return out, err
}

// CreateABTest inserts ab.
func (s *Store) CreateABTest(ctx context.Context, ab *models.ABTestModels) error {
	if err := s.conn(ctx).Create(ab).Error; err != nil {
		return fmt.Errorf("create A/B test for model %d: %w", ab.ModelID, err)
	}
	return nil
}

// RetireABTest clears the principal flag of an A/B row.
func (s *Store) RetireABTest(ctx context.Context, id uint) error {
	err := s.conn(ctx).Model(&models.ABTestModels{}).Where("id = ?", id).Update("principal", false).Error
	if err != nil {
		return fmt.Errorf("retire A/B test %d: %w", id, err)
	}
	return nil
}

// ListReviewerLinks returns the reviewers attached to a subject model.
func (s *Store) ListReviewerLinks(ctx context.Context, modelID uint) ([]models.ReviewersModels, error) {
	var out []models.ReviewersModels
	err := s.conn(ctx).Where("model_id = ?", modelID).Order("id").Find(&out).Error
	return out, err
}

// CreateReviewerLink inserts link.
func (s *Store) CreateReviewerLink(ctx context.Context, link *models.ReviewersModels) error {
	if err := s.conn(ctx).Create(link).Error; err != nil {
		return fmt.Errorf("attach reviewer %d to model %d: %w", link.ReviewerID, link.ModelID, err)
	}
	return nil
}

// ListModelMetrics returns the metric series of a model.
func (s *Store) ListModelMetrics(ctx context.Context, modelID uint) ([]models.ModelMetric, error) {
	var out []models.ModelMetric
	err := s.conn(ctx).Where("model_id = ?", modelID).Order("id").Find(&out).Error
	return out, err
}

// CreateModelMetric inserts m.
func (s *Store) CreateModelMetric(ctx context.Context, m *models.ModelMetric) error {
	if err := s.conn(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create metric %s for model %d: %w", m.Type, m.ModelID, err)
	}
	return nil
}

// EnsureModelMetric returns the metric of the given type, creating it with a
// zero aggregate when missing.
func (s *Store) EnsureModelMetric(ctx context.Context, modelID uint, metricType, name string) (*models.ModelMetric, error) {
	m := models.ModelMetric{ModelID: modelID, Type: metricType}
	err := s.conn(ctx).
		Where(models.ModelMetric{ModelID: modelID, Type: metricType}).
		Attrs(models.ModelMetric{Name: name}).
		FirstOrCreate(&m).Error
	if err != nil {
		return nil, fmt.Errorf("ensure metric %s for model %d: %w", metricType, modelID, err)
	}
	return &m, nil
}

// RecordMetric appends a metric log and folds its value into the running mean
// of the metric series.
func (s *Store) RecordMetric(ctx context.Context, entry *models.ModelMetricLog) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.conn(ctx).Create(entry).Error; err != nil {
			return fmt.Errorf("create metric log: %w", err)
		}
		err := tx.conn(ctx).Model(&models.ModelMetric{}).
			Where("id = ?", entry.ModelMetricID).
			Updates(map[string]any{
				"value":        gorm.Expr("(value * sample_count + ?) / (sample_count + 1)", entry.Value),
				"sample_count": gorm.Expr("sample_count + 1"),
			}).Error
		if err != nil {
			return fmt.Errorf("update metric %d: %w", entry.ModelMetricID, err)
		}
		return nil
	})
}

// ListMetricLogs returns the metric logs of a model for one metric type,
// optionally scoped to a version.
func (s *Store) ListMetricLogs(ctx context.Context, modelID uint, metricType, version string) ([]models.ModelMetricLog, error) {
	q := s.conn(ctx).
		Joins("JOIN model_metrics ON model_metrics.id = model_metric_logs.model_metric_id").
		Where("model_metric_logs.model_id = ? AND model_metrics.type = ?", modelID, metricType)
	if version != "" {
		q = q.Where("model_metric_logs.version = ?", version)
	}
	var out []models.ModelMetricLog
	err := q.Order("model_metric_logs.id").Find(&out).Error
	return out, err
}
