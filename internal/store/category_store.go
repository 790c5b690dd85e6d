package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailtriage/internal/model"
)

const categoryColumns = "id, user_id, name, description, created_at, updated_at"

// CreateCategory inserts a new category.
func (s *SQLiteStore) CreateCategory(ctx context.Context, category *model.Category) error {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return fmt.Errorf("category name must not be empty")
	}
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	category.CreatedAt = now
	category.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (`+categoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		category.ID, category.UserID, category.Name, category.Description,
		category.CreatedAt, category.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating category %q: %w", category.Name, err)
	}
	return nil
}

// GetCategory retrieves a single category by ID.
func (s *SQLiteStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	var category model.Category
	err := s.db.GetContext(ctx, &category,
		"SELECT "+categoryColumns+" FROM categories WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting category %s: %w", id, notFound(err))
	}
	return &category, nil
}

// ListCategories returns a user's categories ordered by name.
func (s *SQLiteStore) ListCategories(ctx context.Context, userID string) ([]model.Category, error) {
	var categories []model.Category
	err := s.db.SelectContext(ctx, &categories,
		"SELECT "+categoryColumns+" FROM categories WHERE user_id = ? ORDER BY name", userID)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	return categories, nil
}

// DeleteCategory removes a category. Messages in it get category_id set
// to NULL.
func (s *SQLiteStore) DeleteCategory(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM categories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting category %s: %w", id, err)
	}
	return expectRow(result, "category", id)
}
