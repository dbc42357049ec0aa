package database

import (
	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Role{},
		&models.User{},
		&models.Client{},
		&models.Owner{},
		&models.SystemSetting{},
		&models.VerificationCode{},
		&models.TwoFactorConfig{},
		&models.TwoFactorAudit{},
		&models.EmailTemplate{},
		&models.EmailSetting{},
		&models.EmailLog{},
	)
}

// SeedData inserts default roles and notification templates. Existing rows
// are left untouched so operators can edit them.
func SeedData(db *gorm.DB) error {
	roles := []models.Role{
		{
			BaseModel:         models.BaseModel{ID: "administrator"},
			Name:              "Administrator",
			Description:       "Back office administrators",
			RequiresTwoFactor: true,
		},
		{
			BaseModel:   models.BaseModel{ID: "agent"},
			Name:        "Agent",
			Description: "Real estate agents",
		},
	}
	for _, role := range roles {
		if err := db.Where(models.Role{BaseModel: models.BaseModel{ID: role.ID}}).Attrs(role).FirstOrCreate(&models.Role{}).Error; err != nil {
			return err
		}
	}

	for _, tpl := range defaultTemplates() {
		if err := db.Where(models.EmailTemplate{Name: tpl.Name}).Attrs(tpl).FirstOrCreate(&models.EmailTemplate{}).Error; err != nil {
			return err
		}
	}
	return nil
}

func defaultTemplates() []models.EmailTemplate {
	variables := []byte(`["code","expiration_minutes"]`)
	return []models.EmailTemplate{
		{
			Name:    models.TemplateTwoFactorCode,
			Subject: "Código de Verificação - Imovtec",
			HTMLContent: `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">` +
				`<h2>Código de Verificação</h2>` +
				`<p>Use o código abaixo para concluir o seu login:</p>` +
				`<p style="font-size: 32px; font-weight: bold; letter-spacing: 6px;">{{code}}</p>` +
				`<p>Este código expira em {{expiration_minutes}} minutos.</p>` +
				`<p>Se não solicitou este código, ignore este email.</p></div>`,
			TextContent: "O seu código de verificação é {{code}}. Expira em {{expiration_minutes}} minutos.",
			Variables:   variables,
			IsActive:    true,
		},
		{
			Name:        models.TemplateTwoFactorVerification,
			Subject:     "Verificação em duas etapas - Imovtec",
			HTMLContent: `<p>Código: <strong>{{code}}</strong></p><p>Válido por {{expiration_minutes}} minutos.</p>`,
			TextContent: "Código: {{code}}. Válido por {{expiration_minutes}} minutos.",
			Variables:   variables,
			IsActive:    true,
		},
	}
}
