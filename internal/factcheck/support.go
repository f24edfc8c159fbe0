package factcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// SupportProvider returns the narrow slice of authoritative records relevant
// to a subject and time range - never the full data store. A nil slice means
// no support data exists for the subject, in which case there is nothing to
// verify the claim against.
type SupportProvider interface {
	Slice(ctx context.Context, subject Subject, tc TimeContext) (json.RawMessage, error)
}

// MonthRow is one row of the official monthly finance table.
type MonthRow struct {
	Month               string  `json:"Month"`
	ProductSales        float64 `json:"Product Sales"`
	ServiceRevenue      float64 `json:"Service Revenue"`
	SubscriptionRevenue float64 `json:"Subscription Revenue"`
	OtherIncome         float64 `json:"Other Income"`
	Payroll             float64 `json:"Payroll"`
	Marketing           float64 `json:"Marketing"`
	RnD                 float64 `json:"R&D"`
	Operations          float64 `json:"Operations"`
	Administrative      float64 `json:"Administrative"`
	OtherExpenses       float64 `json:"Other Expenses"`
	TotalIncome         float64 `json:"Total Income"`
	TotalSpending       float64 `json:"Total Spending"`
	NetProfit           float64 `json:"Net Profit"`
}

// StaticProvider serves an in-memory finance table. Used in tests and when no
// object store is configured.
type StaticProvider struct {
	Finance []MonthRow
}

func (p *StaticProvider) Slice(ctx context.Context, subject Subject, tc TimeContext) (json.RawMessage, error) {
	if subject != SubjectProfit {
		return nil, nil
	}
	return marshalFinanceSlice(p.Finance, tc)
}

// MinioProvider loads the finance table from object storage and caches it
// briefly; the table changes monthly, the cache keeps the pipeline from
// re-fetching it per message.
type MinioProvider struct {
	client *minio.Client
	bucket string
	object string

	mu        sync.Mutex
	cached    []MonthRow
	fetchedAt time.Time
	ttl       time.Duration
}

func NewMinioProvider(endpoint, accessKey, secretKey string, useSSL bool, bucket, object string) (*MinioProvider, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioProvider{
		client: client,
		bucket: bucket,
		object: object,
		ttl:    5 * time.Minute,
	}, nil
}

func (p *MinioProvider) Slice(ctx context.Context, subject Subject, tc TimeContext) (json.RawMessage, error) {
	if subject != SubjectProfit {
		return nil, nil
	}
	rows, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	return marshalFinanceSlice(rows, tc)
}

func (p *MinioProvider) load(ctx context.Context) ([]MonthRow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && time.Since(p.fetchedAt) < p.ttl {
		return p.cached, nil
	}

	object, err := p.client.GetObject(ctx, p.bucket, p.object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get support object: %w", err)
	}
	defer object.Close()

	var rows []MonthRow
	if err := json.NewDecoder(object).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode support object: %w", err)
	}
	p.cached = rows
	p.fetchedAt = time.Now()
	return rows, nil
}

// marshalFinanceSlice narrows the table to the claimed period when one was
// extracted; otherwise the whole table is the slice.
func marshalFinanceSlice(rows []MonthRow, tc TimeContext) (json.RawMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	selected := rows
	if tc.From != "" || tc.To != "" {
		selected = nil
		for _, row := range rows {
			if tc.From != "" && strings.Compare(row.Month, tc.From[:min(len(tc.From), 7)]) < 0 {
				continue
			}
			if tc.To != "" && strings.Compare(row.Month, tc.To[:min(len(tc.To), 7)]) > 0 {
				continue
			}
			selected = append(selected, row)
		}
		if len(selected) == 0 {
			selected = rows
		}
	}

	payload, err := json.Marshal(selected)
	if err != nil {
		return nil, fmt.Errorf("marshal finance slice: %w", err)
	}
	return payload, nil
}
