package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	excltypes "excluster/pkg/types"
)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// CloudWatchAdapter pulls a window of events out of a CloudWatch Logs log
// group via FilterLogEvents, the read-side counterpart of the cloudwatchlogs
// write APIs the rest of the retrieval pack reaches for on the AWS side.
type CloudWatchAdapter struct {
	client *cloudwatchlogs.Client
}

// NewCloudWatchAdapter loads the default AWS config chain (env vars, shared
// config file, instance role) the way every other adapter in the pack that
// touches aws-sdk-go-v2 does, rather than taking explicit credentials.
func NewCloudWatchAdapter(ctx context.Context, region string) (*CloudWatchAdapter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &CloudWatchAdapter{client: cloudwatchlogs.NewFromConfig(cfg)}, nil
}

// Fetch expects source.ConnectionDescriptor["log_group"] to name the
// CloudWatch Logs log group, and optionally ["log_stream_prefix"] to narrow
// the search to a subset of streams.
func (a *CloudWatchAdapter) Fetch(ctx context.Context, source excltypes.LogSource, window Window) ([]excltypes.NormalizedLog, error) {
	logGroup := source.ConnectionDescriptor["log_group"]
	if logGroup == "" {
		return nil, fmt.Errorf("cloudwatch source %s missing connection_descriptor[log_group]", source.ID)
	}

	input := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(logGroup),
		StartTime:    aws.Int64(window.Start.UnixMilli()),
		EndTime:      aws.Int64(window.End.UnixMilli()),
	}
	if prefix := source.ConnectionDescriptor["log_stream_prefix"]; prefix != "" {
		input.LogStreamNamePrefix = aws.String(prefix)
	}
	if source.QueryFilter != "" {
		input.FilterPattern = aws.String(source.QueryFilter)
	}

	var logs []excltypes.NormalizedLog
	paginator := cloudwatchlogs.NewFilterLogEventsPaginator(a.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return logs, fmt.Errorf("filter log events: %w", err)
		}
		logs = append(logs, eventsToLogs(page.Events, source)...)
	}
	return logs, nil
}

func eventsToLogs(events []types.FilteredLogEvent, source excltypes.LogSource) []excltypes.NormalizedLog {
	out := make([]excltypes.NormalizedLog, 0, len(events))
	for _, ev := range events {
		if ev.Message == nil {
			continue
		}
		ts := aws.ToInt64(ev.Timestamp)
		out = append(out, excltypes.NormalizedLog{
			Timestamp:   msToTime(ts),
			Level:       excltypes.LevelError,
			Message:     aws.ToString(ev.Message),
			ServiceID:   source.ServiceID,
			LogSourceID: source.ID,
			LogID:       aws.ToString(ev.EventId),
		})
	}
	return out
}
