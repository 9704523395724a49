package migration

import (
	accountdomain "github.com/scribeforge/creditd/internal/account/domain"
	"github.com/scribeforge/creditd/internal/config"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
	paymentdomain "github.com/scribeforge/creditd/internal/payment/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Versioned migrations target postgres; sqlite and mysql
			// deployments rely on the model schema directly.
			return conn.AutoMigrate(
				&accountdomain.Account{},
				&ledgerdomain.UsageRecord{},
				&paymentdomain.PaymentRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
