// Пакет election — выбор основного (leader) контекста через общее
// хранилище: захват записи leader, heartbeat, наблюдение за устареванием
// и освобождение записи при завершении контекста.
package election

// Role — роль контекста в выборах.
type Role string

const (
	// RoleFollower — follower: наблюдает за записью leader.
	RoleFollower Role = "follower"
	// RoleLeader — leader: обновляет запись heartbeat и запускает планировщик.
	RoleLeader Role = "leader"
	// RolePromoting — follower захватил запись и ждёт перехода на
	// каноническую страницу. Heartbeat не идёт, планировщик не работает.
	RolePromoting Role = "promoting"
	// RoleReleased — выборы остановлены, запись освобождена.
	RoleReleased Role = "released"
)

// RoleProvider — интерфейс получения текущей роли контекста.
// Реализация: Election.
type RoleProvider interface {
	// CurrentRole возвращает текущую роль.
	CurrentRole() Role
	// IsLeader возвращает true только для RoleLeader.
	IsLeader() bool
	// LeaderID возвращает идентификатор владельца записи leader,
	// известный на момент последнего чтения. Пусто, если неизвестен.
	LeaderID() string
}
