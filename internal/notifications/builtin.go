package notifications

import "github.com/imovtec/twofactor/internal/models"

// VerificationCodeTemplate is the in-memory verification notice. It keeps
// code delivery working when the template table is empty or unreachable.
func VerificationCodeTemplate() Template {
	return Template{
		Name:    models.TemplateTwoFactorVerification,
		Subject: "Código de Verificação - Imovtec",
		HTML: `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">` +
			`<h2 style="color: #333;">Código de Verificação</h2>` +
			`<p>O seu código de verificação é:</p>` +
			`<div style="background: #f4f4f4; padding: 20px; text-align: center; font-size: 32px; font-weight: bold; letter-spacing: 5px;">{{code}}</div>` +
			`<p>Este código expira em {{expiration_minutes}} minutos.</p>` +
			`<p style="color: #666; font-size: 12px;">Se não solicitou este código, ignore este email.</p>` +
			`</div>`,
		Text: "O seu código de verificação é {{code}}. Este código expira em {{expiration_minutes}} minutos.",
	}
}
