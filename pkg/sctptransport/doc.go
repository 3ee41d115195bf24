// Package sctptransport управляет жизненным циклом одной SCTP-ассоциации поверх DTLS.
//
// Controller хранит снимок Info, принимает уведомления от DTLS и от движка SCTP
// и выполняет все изменения состояния в одном контексте-владельце (Loop).
// Приложение обращается к контроллеру из любых горутин через Proxy.
//
// Машина состояний:
//
//	Connecting -> Connected   (ассоциация поднялась)
//	Connecting -> Closed      (отказ Start, закрытие или сбой DTLS)
//	Connected  -> Closed      (закрытие или сбой DTLS, Clear)
//
// Closed является терминальным состоянием.
package sctptransport
