package gorm

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TableNamer represents a struct that has a TableName() string method.
type TableNamer interface {
	TableName() string
}

// applyTableName applies the table name to the GORM DB session if the model implements the TableNamer interface.
func applyTableName(db *gorm.DB, model interface{}) *gorm.DB {
	if namer, ok := model.(TableNamer); ok {
		return db.Table(namer.TableName())
	}

	val := reflect.ValueOf(model)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	// For slices, check if the element type implements TableNamer.
	if val.Kind() == reflect.Slice || val.Kind() == reflect.Array {
		elemType := val.Type().Elem()
		if elemType.Kind() == reflect.Ptr {
			elemType = elemType.Elem()
		}
		if namer, ok := reflect.New(elemType).Interface().(TableNamer); ok {
			return db.Table(namer.TableName())
		}
	}

	// Otherwise let GORM infer the table name from the model.
	return db.Model(model)
}

// gormExecutor implements database.DBExecutor on a *gorm.DB. It is shared by the connection
// adapter and the transaction adapter; only the underlying session differs.
type gormExecutor struct {
	db *gorm.DB
}

var _ database.DBExecutor = (*gormExecutor)(nil)

// ExecuteUpdate implements database.DBExecutor.
func (e *gormExecutor) ExecuteUpdate(ctx context.Context, model interface{}, operation string, tableName string, query map[string]interface{}) (int64, error) {
	db := e.db.WithContext(ctx).Session(&gorm.Session{SkipDefaultTransaction: true})

	if tableName != "" {
		db = db.Table(tableName)
	}

	var result *gorm.DB
	switch operation {
	case database.OpCreate:
		result = db.Create(model)

	case database.OpUpdate:
		if values, ok := model.(map[string]interface{}); ok {
			// Column assignments need an explicit table; the conditions come only from query.
			if tableName == "" {
				return 0, fmt.Errorf("UPDATE with a column map requires a table name")
			}
			if len(query) == 0 {
				return 0, fmt.Errorf("UPDATE on '%s' without conditions is not allowed", tableName)
			}
			result = db.Where(query).Updates(values)
		} else {
			// db.Model(model) adds the primary key of model as a condition.
			result = db.Model(model).Where(query).Updates(model)
		}

	case database.OpDelete:
		if query != nil {
			db = db.Where(query)
		}
		result = db.Delete(model)

	default:
		return 0, fmt.Errorf("unsupported update operation: %s", operation)
	}

	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ExecuteUpsert implements database.DBExecutor.
func (e *gormExecutor) ExecuteUpsert(ctx context.Context, model interface{}, tableName string, conflictColumns []string, updateColumns []string) (int64, error) {
	db := e.db.WithContext(ctx).Session(&gorm.Session{SkipDefaultTransaction: true})
	if tableName != "" {
		db = db.Table(tableName)
	}

	var columns []clause.Column
	for _, col := range conflictColumns {
		columns = append(columns, clause.Column{Name: col})
	}

	onConflict := clause.OnConflict{Columns: columns}
	if len(updateColumns) > 0 {
		onConflict.DoUpdates = clause.AssignmentColumns(updateColumns)
	} else {
		onConflict.DoNothing = true
	}

	result := db.Clauses(onConflict).Create(model)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ExecuteQuery implements database.DBExecutor.
// Find does not return ErrRecordNotFound; callers check the result length.
func (e *gormExecutor) ExecuteQuery(ctx context.Context, target interface{}, query map[string]interface{}) error {
	db := applyTableName(e.db.WithContext(ctx), target)
	if query != nil {
		db = db.Where(query)
	}
	return db.Find(target).Error
}

// ExecuteQueryAdvanced implements database.DBExecutor.
func (e *gormExecutor) ExecuteQueryAdvanced(ctx context.Context, target interface{}, query map[string]interface{}, orderBy string, limit int) error {
	db := applyTableName(e.db.WithContext(ctx), target)
	if query != nil {
		db = db.Where(query)
	}
	if orderBy != "" {
		db = db.Order(orderBy)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	return db.Find(target).Error
}

// ExecuteRaw implements database.DBExecutor.
func (e *gormExecutor) ExecuteRaw(ctx context.Context, target interface{}, statement string, args ...interface{}) error {
	return e.db.WithContext(ctx).Raw(statement, args...).Scan(target).Error
}

// ExecuteStatement implements database.DBExecutor.
func (e *gormExecutor) ExecuteStatement(ctx context.Context, statement string, args ...interface{}) (int64, error) {
	result := e.db.WithContext(ctx).Exec(statement, args...)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// Count implements database.DBExecutor.
func (e *gormExecutor) Count(ctx context.Context, model interface{}, query map[string]interface{}) (int64, error) {
	db := applyTableName(e.db.WithContext(ctx), model)
	if query != nil {
		db = db.Where(query)
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Pluck implements database.DBExecutor.
func (e *gormExecutor) Pluck(ctx context.Context, model interface{}, column string, target interface{}, query map[string]interface{}) error {
	db := applyTableName(e.db.WithContext(ctx), model)
	if query != nil {
		db = db.Where(query)
	}
	return db.Distinct().Pluck(column, target).Error
}

// IsTableNotExistError implements database.DBExecutor.
func (e *gormExecutor) IsTableNotExistError(err error) bool {
	return IsTableNotExistError(err)
}

// IsTableNotExistError reports whether err is a "missing table" error of one of the supported databases.
func IsTableNotExistError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return (strings.Contains(errMsg, "relation \"") && strings.Contains(errMsg, "\" does not exist")) || // PostgreSQL
		strings.Contains(errMsg, "SQLSTATE 42P01") || // PostgreSQL (pgx)
		(strings.Contains(errMsg, "Error 1146") && strings.Contains(errMsg, "doesn't exist")) || // MySQL
		strings.Contains(errMsg, "no such table:") // SQLite
}
