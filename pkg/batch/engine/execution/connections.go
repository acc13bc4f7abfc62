package execution

import (
	"context"
	"fmt"

	"github.com/tigerroll/ferry/pkg/batch/adapter/database"
	"github.com/tigerroll/ferry/pkg/batch/adapter/storage"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/payload"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
)

// ConnectionFactory opens the connections a job definition refers to.
type ConnectionFactory interface {
	Open(ctx context.Context, def *model.JobDefinition) (payload.Connections, error)
}

// ResolverConnectionFactory resolves source_ref against the database blocks and target_ref
// against the storage blocks first, then the database blocks.
type ResolverConnectionFactory struct {
	databases    database.DBConnectionResolver
	storages     storage.StorageConnectionResolver
	storageNames map[string]interface{}
}

// NewResolverConnectionFactory creates a ResolverConnectionFactory. storages may be nil when
// no storage block is configured.
func NewResolverConnectionFactory(databases database.DBConnectionResolver, storages storage.StorageConnectionResolver, storageConfigs map[string]interface{}) *ResolverConnectionFactory {
	return &ResolverConnectionFactory{databases: databases, storages: storages, storageNames: storageConfigs}
}

// Open implements ConnectionFactory. A missing source_ref leaves Source nil; payloads that
// need it report the contract violation themselves.
func (f *ResolverConnectionFactory) Open(ctx context.Context, def *model.JobDefinition) (payload.Connections, error) {
	var conns payload.Connections
	if def.SourceRef != "" {
		src, err := f.databases.ResolveDBConnection(ctx, def.SourceRef)
		if err != nil {
			return conns, exception.NewBatchError("ConnectionFactory",
				fmt.Sprintf("failed to open source '%s' of '%s'", def.SourceRef, def.JobKey), err, exception.Classify(err))
		}
		conns.Source = src
	}
	if def.TargetRef == "" {
		return conns, nil
	}
	if _, isStorage := f.storageNames[def.TargetRef]; isStorage && f.storages != nil {
		dst, err := f.storages.ResolveStorageConnection(ctx, def.TargetRef)
		if err != nil {
			return conns, exception.NewBatchError("ConnectionFactory",
				fmt.Sprintf("failed to open storage target '%s' of '%s'", def.TargetRef, def.JobKey), err, exception.Classify(err))
		}
		conns.TargetStorage = dst
		return conns, nil
	}
	dst, err := f.databases.ResolveDBConnection(ctx, def.TargetRef)
	if err != nil {
		return conns, exception.NewBatchError("ConnectionFactory",
			fmt.Sprintf("failed to open target '%s' of '%s'", def.TargetRef, def.JobKey), err, exception.Classify(err))
	}
	conns.Target = dst
	return conns, nil
}
