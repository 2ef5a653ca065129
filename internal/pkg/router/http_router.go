package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/revopsio/recoup/app/controllers"
	"github.com/revopsio/recoup/internal/pkg/constants"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, controllers.HandleHealth)

	// Webhook intake. Signature verification happens in the controller, so
	// no auth middleware sits in front of this route.
	app.Post(constants.WebhookRoute, controllers.HandleWebhookIngest)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
