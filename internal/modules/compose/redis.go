// README: Redis mirror of composed state, one hash per (region, service).
package compose

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher writes surge:state:<region>:<service> hashes keyed by cell,
// replacing the whole hash each pass so expired cells never linger.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) PublishState(ctx context.Context, key Key, rows []HexState) error {
	name := fmt.Sprintf("surge:state:%s:%s", key.RegionID, key.ServiceKey)
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, name)
	if len(rows) > 0 {
		fields := make(map[string]interface{}, len(rows))
		for _, row := range rows {
			b, err := json.Marshal(row)
			if err != nil {
				return err
			}
			fields[row.Cell.String()] = b
		}
		pipe.HSet(ctx, name, fields)
	}
	_, err := pipe.Exec(ctx)
	return err
}
