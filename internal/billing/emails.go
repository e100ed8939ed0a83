// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package billing

import (
	"fmt"
	"html"
	"time"

	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/store"
)

type email struct {
	Subject string
	HTML    string
	Text    string
}

func planName(id plans.ID) string {
	if p, ok := plans.Get(id); ok {
		return p.Name
	}
	return string(id)
}

func greeting(name string) string {
	if name == "" {
		return "Hi,"
	}
	return "Hi " + name + ","
}

func reminderEmail(profile store.Profile, sub store.Subscription, q Quote) email {
	ends := sub.CurrentPeriodEnd.Format("2 January 2006")
	name := planName(sub.Plan)
	amount := "₹" + FormatPaise(q.TotalPaise)

	text := fmt.Sprintf("%s\n\nYour Proxinex %s plan renews on %s. The renewal amount is %s including GST.\n\n"+
		"To keep your plan, no action is needed. You can change or cancel it from the billing page before that date.\n\n"+
		"The Proxinex team\n", greeting(profile.FullName), name, ends, amount)

	body := fmt.Sprintf("<p>%s</p><p>Your Proxinex <strong>%s</strong> plan renews on <strong>%s</strong>. "+
		"The renewal amount is <strong>%s</strong> including GST.</p>"+
		"<p>To keep your plan, no action is needed. You can change or cancel it from the billing page before that date.</p>"+
		"<p>The Proxinex team</p>",
		html.EscapeString(greeting(profile.FullName)), html.EscapeString(name), ends, amount)

	return email{
		Subject: fmt.Sprintf("Your Proxinex %s plan renews on %s", name, ends),
		HTML:    body,
		Text:    text,
	}
}

func receiptEmail(inv store.Invoice, periodEnd *time.Time) email {
	name := planName(inv.Plan)
	amount := "₹" + FormatPaise(inv.TotalPaise)
	until := ""
	if periodEnd != nil {
		until = " until " + periodEnd.Format("2 January 2006")
	}

	text := fmt.Sprintf("%s\n\nThanks for your payment of %s. Your %s plan is active%s.\n"+
		"Invoice %s is attached.\n\nThe Proxinex team\n", greeting(inv.BillingName), amount, name, until, inv.Number)

	body := fmt.Sprintf("<p>%s</p><p>Thanks for your payment of <strong>%s</strong>. "+
		"Your <strong>%s</strong> plan is active%s.</p><p>Invoice %s is attached.</p><p>The Proxinex team</p>",
		html.EscapeString(greeting(inv.BillingName)), amount, html.EscapeString(name), until, html.EscapeString(inv.Number))

	return email{
		Subject: fmt.Sprintf("Payment received - Proxinex %s (%s)", name, inv.Number),
		HTML:    body,
		Text:    text,
	}
}
