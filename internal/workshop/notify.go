package workshop

import (
	"context"
	"strconv"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/mailer"
)

// sendWindow bounds how far from the exact reminder moment a send may
// happen. Outside it the run waits for a later tick instead of firing
// early or late.
const sendWindow = 2 * time.Minute

// TemplateSender delivers a rendered shop email template.
type TemplateSender interface {
	SendTemplate(ctx context.Context, shop, templateKey, toEmail string, vars map[string]string) (mailer.SendResult, error)
}

// RunStats summarizes one notification or broadcast pass.
type RunStats struct {
	Shops   int `json:"shops,omitempty"`
	Total   int `json:"total,omitempty"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Notifier struct {
	store  *Store
	sender TemplateSender
	now    func() time.Time
	logger *log.Logger
}

func NewNotifier(store *Store, sender TemplateSender, logger *log.Logger) *Notifier {
	return &Notifier{store: store, sender: sender, now: time.Now, logger: logger}
}

// InSendWindow reports whether now falls within the send window around
// (workshopAt - offsetMinutes).
func InSendWindow(now, workshopAt time.Time, offsetMinutes int) bool {
	target := workshopAt.Add(-time.Duration(offsetMinutes) * time.Minute)
	return !now.Before(target.Add(-sendWindow)) && !now.After(target.Add(sendWindow))
}

// ProcessNotifications walks every shop with a scheduled workshop and sends
// the reminder for each configured offset whose window is open. A failed
// send is recorded and does not stop the run.
func (n *Notifier) ProcessNotifications(ctx context.Context) (RunStats, error) {
	var stats RunStats

	shops, err := n.store.ShopsWithSettings(ctx)
	if err != nil {
		return stats, err
	}
	stats.Shops = len(shops)

	for _, settings := range shops {
		for _, offset := range settings.NotifyOffsets {
			if !InSendWindow(n.now(), *settings.WorkshopAt, offset) {
				continue
			}

			regs, err := n.store.RegistrationsPendingNotification(ctx, settings.Shop, offset)
			if err != nil {
				return stats, err
			}

			for _, reg := range regs {
				sent, skipped := n.sendReminder(ctx, settings.Shop, reg, offset)
				switch {
				case skipped:
					stats.Skipped++
				case sent:
					stats.Sent++
				default:
					stats.Failed++
				}
			}
		}
	}

	n.logger.Infow("Workshop notification run complete",
		"shops", stats.Shops, "sent", stats.Sent, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

func (n *Notifier) sendReminder(ctx context.Context, shop string, reg Registration, offsetMinutes int) (sent, skipped bool) {
	logID, acquired, err := n.store.BeginNotificationLog(ctx, shop, reg.ID, offsetMinutes, reg.Email)
	if err != nil {
		n.logger.Errorw("Failed to log workshop notification",
			"shop", shop, "registration", reg.ID, "error", err)
		return false, false
	}
	if !acquired {
		return false, true
	}

	vars := map[string]string{
		"first_name":     reg.FirstName,
		"last_name":      reg.LastName,
		"order_id":       reg.OrderID,
		"minutes_before": strconv.Itoa(offsetMinutes),
		"hours_before":   strconv.Itoa((offsetMinutes + 30) / 60),
	}
	if reg.WorkshopAt != nil {
		date, clock := mailer.FormatWorkshopTime(*reg.WorkshopAt)
		vars["workshop_date"] = date
		vars["workshop_time"] = clock
		vars["workshop_at"] = reg.WorkshopAt.UTC().Format(time.RFC3339)
	}

	_, sendErr := n.sender.SendTemplate(ctx, shop, mailer.TemplateWorkshopNotification, reg.Email, vars)
	if err := n.store.FinishNotificationLog(ctx, logID, sendErr); err != nil {
		n.logger.Errorw("Failed to finalize notification log", "id", logID, "error", err)
	}
	if sendErr != nil {
		n.logger.Errorw("Workshop reminder send failed",
			"shop", shop, "email", reg.Email, "error", sendErr)
		return false, false
	}
	return true, false
}

// Broadcast sends the given template to every registration the shop
// collected during monthStamp ("2006-01"). Each registration is sent at
// most once per month and broadcast type.
func (n *Notifier) Broadcast(ctx context.Context, shop, monthStamp, templateKey string) (RunStats, error) {
	var stats RunStats
	if templateKey == "" {
		templateKey = mailer.TemplateWorkshopRegistrant
	}

	regs, err := n.store.RegistrationsForMonth(ctx, shop, monthStamp)
	if err != nil {
		return stats, err
	}
	stats.Total = len(regs)

	for _, reg := range regs {
		logID, acquired, err := n.store.BeginBroadcastLog(ctx, shop, reg.ID, monthStamp, "registrant", reg.Email)
		if err != nil {
			n.logger.Errorw("Failed to log workshop broadcast",
				"shop", shop, "registration", reg.ID, "error", err)
			stats.Failed++
			continue
		}
		if !acquired {
			stats.Skipped++
			continue
		}

		vars := map[string]string{
			"first_name": reg.FirstName,
			"last_name":  reg.LastName,
			"order_id":   reg.OrderID,
			"order_name": reg.OrderName,
		}
		if reg.WorkshopAt != nil {
			date, clock := mailer.FormatWorkshopTime(*reg.WorkshopAt)
			vars["workshop_date"] = date
			vars["workshop_time"] = clock
			vars["workshop_at"] = reg.WorkshopAt.UTC().Format(time.RFC3339)
		}

		_, sendErr := n.sender.SendTemplate(ctx, shop, templateKey, reg.Email, vars)
		if err := n.store.FinishBroadcastLog(ctx, logID, sendErr); err != nil {
			n.logger.Errorw("Failed to finalize broadcast log", "id", logID, "error", err)
		}
		if sendErr != nil {
			stats.Failed++
			continue
		}
		stats.Sent++
	}

	n.logger.Infow("Workshop broadcast complete",
		"shop", shop, "month", monthStamp, "sent", stats.Sent, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}
