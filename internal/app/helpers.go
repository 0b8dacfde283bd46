package app

func logBanner(dir, cfgPath string) {
	log.Infow("────────────────────────────────────────")
	log.Infow("callhub signaling coordinator")
	log.Infow("service scope", "dir", dir, "config", cfgPath)
	log.Infow("call state is in memory; clients re-register after a restart")
	log.Infow("────────────────────────────────────────")
}
