package models

import (
	"log"

	"bitbucket.org/mmdatafocus/collections_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&AcumaticaCredential{}, &CachedSession{},
		&MirrorCustomer{}, &MirrorInvoice{}, &MirrorPayment{},
		&PaymentInvoiceApplication{},
		&SyncJob{}, &SyncSetting{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
