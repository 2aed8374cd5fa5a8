package models

import "context"

type KlineSource interface {
	KlinesRange(ctx context.Context, symbol, timeframe string, startMS, endMS int64, onProgress func(fetched int)) ([]Kline, error)
	LatestKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error)
}
