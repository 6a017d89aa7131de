package notifications

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/tunegate/internal/quota"
)

var alertTypes = map[quota.AlertLevel]NotificationType{
	quota.AlertLevelWarning:  NotificationQuotaWarning,
	quota.AlertLevelCritical: NotificationQuotaCritical,
	quota.AlertLevelExceeded: NotificationQuotaExceeded,
}

// QuotaAlertHandler forwards quota alerts to n. Delivery failures are logged
// and never fail the inference request that triggered the alert.
func QuotaAlertHandler(n Notifier) quota.AlertHandler {
	return func(ctx context.Context, alert quota.Alert) {
		notification := Notification{
			Type:    alertTypes[alert.Level],
			OwnerID: alert.Key.OwnerID,
			Message: fmt.Sprintf("model %s usage at %.1f%% of daily quota (%d/%d)",
				alert.Key.ModelID, alert.Percentage, alert.Count, alert.Limit),
			Data: map[string]any{
				"model_id": alert.Key.ModelID,
				"period":   alert.Key.Period,
				"count":    alert.Count,
				"limit":    alert.Limit,
			},
		}
		if err := n.Send(ctx, notification); err != nil {
			slog.Warn("failed to send quota notification",
				"owner_id", alert.Key.OwnerID,
				"model_id", alert.Key.ModelID,
				"error", err,
			)
		}
	}
}
