// Package middleware はゲートウェイのGinルーターで使用する共通ミドルウェアを提供する。
//
// リクエストIDの採番、アクセスログ、パニックリカバリ、CORS設定、
// Bearerトークンの取り出しなど、パイプラインの前後で共通して使う処理を含む。
package middleware
