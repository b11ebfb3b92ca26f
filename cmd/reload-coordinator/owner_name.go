package main

import "regexp"

var (
	// <deployment>-<pod-template-hash>-<5 символов>
	deploymentPod = regexp.MustCompile(`^(.+)-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// <statefulset>-<ordinal>
	statefulSetPod = regexp.MustCompile(`^(.+)-\d+$`)
)

// parseOwnerName извлекает имя владельца пода (Deployment или StatefulSet)
// из hostname. Если шаблон не распознан, возвращает hostname.
func parseOwnerName(hostname string) string {
	if m := deploymentPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}
